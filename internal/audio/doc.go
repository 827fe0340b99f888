// Package audio defines the native audio primitives the session subsystem
// consumes (recorder, player, asset access) together with the scoped handle
// guard and generation tokens shared by recording, playback and voice
// conversion.
package audio
