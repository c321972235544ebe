// Package lifecycle owns heavyweight components that are loaded on first use
// and released again when idle or when the machine runs short of memory.
//
// Each component is a factory plus an optional disposer. Get loads a
// component at most once per load cycle even under concurrent callers, and
// every unload runs the disposer exactly once before dropping the instance.
// A background monitor samples process and system memory, unloads idle
// components, and forces reclamation under memory pressure.
package lifecycle
