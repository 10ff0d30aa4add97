// Package descriptor defines the Operation Descriptor: an immutable, declarative
// statement of what a task logically does (domain, effect class, constraints),
// independent of how it runs.
//
// Descriptors are plain values. They are consumed by policy evaluators, wrapped by
// envelopes and recorded verbatim in execution traces. Validation is on demand:
// AssertMinimalValid and Constraints.Validate are never called implicitly.
package descriptor
