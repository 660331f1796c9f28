// Package variant turns a user profile into candidate wellness agent
// configurations. A variant is a plain record: a specialty tag, a model tier,
// instructions composed from a template lookup, and the tool names it may
// call. Specialties are a tagged union rather than a type hierarchy.
package variant
