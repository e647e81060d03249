// Package mqtt connects the task loop to an MQTT broker. It publishes
// retained availability and the outcome of every finished task, and
// can accept task submissions from a topic.
//
// The connection uses Eclipse Paho v2's [autopaho] package for
// automatic reconnection. On every (re-)connect it publishes a birth
// message ("online") to the availability topic and re-subscribes to
// the submit topic. A will message moves the availability topic to
// "offline" on unexpected disconnects.
//
// Topics, relative to the configured base topic:
//
//	<base>/availability          online | offline (retained)
//	<base>/tasks/<id>/outcome    JSON outcome of one task
//	<base>/tokens_today          token totals since local midnight (retained)
//	<base>/tasks/submit          inbound JSON task submissions
package mqtt
