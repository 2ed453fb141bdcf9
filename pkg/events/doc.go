/*
Package events provides an in-process broker for document and operation
lifecycle events.

The orchestrator publishes an event after every persisted step transition,
when a pipeline completes or is poisoned, and when documents or indexes are
deleted; the write engine publishes operation lifecycle events. Subscribers
receive events on buffered channels; slow subscribers drop events rather
than blocking publishers.
*/
package events
