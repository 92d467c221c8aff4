// Package mqtt publishes the launcher's lifecycle to an MQTT broker.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Retained session state and non-retained event messages
//   - Last Will and Testament (LWT) so a crashed launcher shows as offline
//
// Publishing is optional and one-way. A broker that is down or slow never
// affects supervision: the publisher is a supervisor.Observer and only logs
// its failures.
//
// # Topics
//
//	llbot/launcher/<instance>/state   retained, current phase and PIDs
//	llbot/launcher/<instance>/event   recognised backend events
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	sv := supervisor.New(svCfg, alloc, supervisor.WithObserver(mqtt.NewLifecyclePublisher(client, cfg.MQTT)))
package mqtt
