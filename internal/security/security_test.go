package security

import (
	"os/user"
	"testing"

	"github.com/stretchr/testify/require"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

func skipUnprivileged(t *testing.T) {
	t.Helper()

	currentUser, err := user.Current()
	require.NoError(t, err)

	if currentUser.Uid != "0" {
		t.Skip("skipping test: requires root")
	}
}

func TestDropCapabilities(t *testing.T) {
	skipUnprivileged(t)

	err := DropCapabilities()
	require.NoError(t, err)

	capName := cap.GetProc().String()
	require.Equal(t, "=", capName)
}

func TestDropPrivilegesToSubset(t *testing.T) {
	skipUnprivileged(t)

	value, err := cap.FromName("cap_sys_admin")
	require.NoError(t, err)

	cfg := Config{Caps: []cap.Value{value}}

	err = DropPrivileges(&cfg)
	require.NoError(t, err)

	capName := cap.GetProc().String()
	require.Equal(t, "cap_sys_admin=p", capName)
}
