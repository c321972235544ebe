// Package config loads, normalizes, and validates clawd configuration.
//
// It supplies defaults, expands user paths (including tilde shortcuts), reads
// TOML files, and honours the CLAWD_LOG_LEVEL environment override. The
// dispatch, power, memory and polling sections translate into the duration
// based options the runtime packages consume.
package config
