// Package cache provides a two-tier read-through cache: an expirable in-process LRU
// backed by an optional Redis tier shared between API instances.
package cache
