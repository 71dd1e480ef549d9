// Package topology discovers the cluster and tracks which hosts may be used.
//
// # Control Connection
//
// [ControlConnection] keeps a single connection to one node. It reads
// system.local, system.peers (system.peers_v2 when available) and
// system_schema.keyspaces to publish a [host.Set] snapshot and a token map,
// and registers for server pushed events:
//   - STATUS_CHANGE flips the state of the named host
//   - TOPOLOGY_CHANGE and SCHEMA_CHANGE trigger a debounced refresh
//
// When the connection is lost it walks the known hosts in the order of its
// load balancing policy, then the contact points, backing off between
// rounds according to its reconnection policy.
//
//	control, _ := topology.NewControlConnection(topology.ControlConfig{
//	    ContactPoints: []string{"10.0.0.1", "10.0.0.2:9043"},
//	})
//	if err := control.Connect(ctx); err != nil {
//	    return err
//	}
//	defer control.Close()
//
// # Drain Watchers
//
// Operations teams can take datacenters or single hosts out of rotation
// before maintenance. A [DrainWatcher] delivers the full drain
// configuration after every change; the session gives drained hosts the
// Ignored distance, which closes their pools.
//
// [NATS] watches a NATS KV key holding JSON:
//
//	{
//	    "datacenters": ["dc2"],
//	    "hosts": ["10.0.0.7", "10.0.0.8:9042"],
//	    "reason": "OS Patching"
//	}
//
// Hosts match by IP, IP and port, or host id. Deleting the key (or
// writing empty lists) ends the drain. There is no automatic expiry.
//
//	nc, _ := nats.Connect("nats://localhost:4222")
//	js, _ := jetstream.New(nc)
//	kv, _ := js.KeyValue(ctx, "cqlwire-config")
//
//	watcher, _ := topology.NewNATS(kv,
//	    topology.WithKey("topology.drain"),  // custom key
//	)
//
// [Local] is an in-memory watcher for tests and demos:
//
//	local := topology.NewLocal()
//	_ = local.SetDrain(ctx, topology.DrainConfig{Datacenters: []string{"dc2"}})
//
//	// Later...
//	_ = local.Clear(ctx)
//
// # Event Publishing
//
// [NATSEventPublisher] forwards [ClusterEvent] values to JetStream subjects
// "cqlwire.events.<kind>", encoded with MessagePack:
//
//	pub, _ := topology.NewNATSEventPublisher(js)
//	defer pub.Close()
//	control.Subscribe(pub.Listener())
package topology
