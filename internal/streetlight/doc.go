// Package streetlight is the application behind the MQTT runtime: it
// handles the turnOn, turnOff and dimLight commands, keeps the last known
// state of every lamp, and reports light measurements on the
// receiveLightMeasurement channel.
//
// Topic layout follows the Smarty Lighting street-light API:
//
//	smartylighting/streetlights/1/0/action/{streetlightId}/turn/on
//	smartylighting/streetlights/1/0/action/{streetlightId}/turn/off
//	smartylighting/streetlights/1/0/action/{streetlightId}/dim
//	smartylighting/streetlights/1/0/event/{streetlightId}/lighting/measured
package streetlight
