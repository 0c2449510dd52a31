// Package tripkit is a client SDK for a remote trip-detection service. It
// publishes GPS position and ignition events over redis pub/sub, receives
// derived trip/stop lifecycle events back over the same channels, and queries
// the service's REST surface.
//
// Detection itself lives entirely in the remote service; this package is a
// thin envelope (channel prefixing, JSON payloads, handler dispatch), a REST
// gateway and a configuration layer.
//
// Basic use:
//
//	cfg := config.Config{Redis: config.RedisConfig{Host: "10.0.0.5"}}
//	client, err := tripkit.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := client.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer client.Disconnect()
//
//	client.On(events.ChannelTripCompleted, func(payload json.RawMessage) {
//		var trip events.TripCompleted
//		json.Unmarshal(payload, &trip)
//		// ...
//	})
//	client.Subscribe(ctx)
//
//	client.PublishPosition(ctx, events.NewPosition("veh-1", time.Now(), 52.52, 13.405, 12.5))
//
// The channel prefix (config.RedisConfig.ChannelPrefix, default
// events.DefaultChannelPrefix) must match the remote service's prefix or
// messages end up in an unreachable namespace.
package tripkit
