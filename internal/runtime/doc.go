// Package runtime abstracts the container runtime that backs agent
// instances. The lifecycle engine provisions, pauses, and reaps compute
// through the Runtime interface; MockRuntime serves tests and the
// development server mode where no real runtime is available.
package runtime
