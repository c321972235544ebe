// Package powerstate tracks whether the daemon is Idle, Busy, or Sleeping.
//
// Transitions are serialized and fire the callbacks registered for the
// destination state after the new state is committed. When power
// optimization is enabled, entering Idle arms a timer that moves the machine
// to Sleeping after the idle timeout; entering Busy disarms it.
package powerstate
