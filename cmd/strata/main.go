// Strata CLI - runs script packages on the engine's allocator stack and
// inspects the profiles it records.
package main

func main() {
	execute()
}
