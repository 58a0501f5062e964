// Package mqtt publishes the improvement engine to Home Assistant as a
// native MQTT device: discovery configs, periodic sensor states
// (engine state, cycle count, epsilon, last reward, last action, next
// task) and availability tracking.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery payloads, a birth
// message ("online") to the availability topic and, when a
// [Commander] is attached, subscribes to the command topic so HA
// buttons can start, stop, pause, resume or wake the engine. A will
// message moves availability to "offline" on unexpected disconnects.
package mqtt
