package build

// commit is set by the linker, at build time
var commit string

// Version returns the commit this binary was built from.
func Version() string {
	return commit
}
