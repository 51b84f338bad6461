package crypto

// Wipe overwrites b with zeros. Used to release key material as soon as a
// session terminates or a key generation ages out of its grace window.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
