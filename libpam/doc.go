// Package libpam implements pam.Backend on top of the system Linux-PAM
// library through github.com/msteinert/pam/v2. It requires cgo; without it
// the package is empty.
package libpam
