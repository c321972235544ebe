// Package main hosts the claw CLI, the control surface for the clawd daemon.
//
// Commands translate terminal invocations into IPC calls against the daemon:
// lifecycle control, status, manual events, component unloads, audit and log
// tails. Config resolution and socket discovery live in commandContext so
// subcommands only deal with presentation.
package main
