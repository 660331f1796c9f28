// Package llm defines the completion backend contract used by wellness
// variants, together with the provider adapters that implement it. Adapters
// are selected explicitly from configuration; nothing in the runtime sniffs
// which SDK happens to be available.
package llm
