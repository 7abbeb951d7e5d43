// Package errors provides the classified error primitives used across storybuilder.
//
// A ClassifiedError carries a category, a severity, a retry strategy and a
// free-form context map. Errors are created through the fluent ErrorBuilder:
//
//	err := errors.NotFoundError("story not found").
//		WithContext("story_id", id).
//		WithCause(statErr).
//		Build()
//
// The CLI and HTTP adapters translate categories into exit codes and status codes.
package errors
