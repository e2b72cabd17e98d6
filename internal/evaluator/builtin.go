package evaluator

import "time"

// Builtin returns a set with the four built-in levels.
func Builtin(finder NearbyFinder, invoker Invoker, timeout time.Duration) *Set {
	return NewSet(timeout,
		NewMetadata(MetadataOptions{}),
		NewDuplicate(finder, DuplicateOptions{}),
		NewClassification(invoker),
		NewImageIntegrity(invoker),
	)
}
