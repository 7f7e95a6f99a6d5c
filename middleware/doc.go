// Package middleware provides ready-made messaging middleware: structured
// logging, Prometheus metrics and a receive-side topic allow list.
//
// Each constructor returns a messaging.Middleware value that can be merged
// with others:
//
//	mw := middleware.TopicFilter[any](logger, "chat").
//		Merge(middleware.Metrics[any](reg, middleware.WithTopics("chat")))
//
// Entries of later arguments run first, so Metrics above sees messages the
// filter drops and counts them with result "filtered".
package middleware
