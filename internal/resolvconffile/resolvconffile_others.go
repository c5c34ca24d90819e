//go:build js || windows

package resolvconffile

// NameServersWithPort returns nil, there is no resolv.conf to read.
func NameServersWithPort() []string { return nil }
