package shared

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCoreScopesCoverPlatformPermissions(t *testing.T) {
	require.ElementsMatch(t, []string{
		PermUsersRead, PermUsersManage,
		PermRolesRead, PermRolesManage,
		PermPermissionsRead, PermPermissionsManage,
	}, CoreScopes())
}
