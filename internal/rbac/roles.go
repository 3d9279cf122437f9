package rbac

// Role names. Keep these stable; they are shared with the identity service.
const (
	RoleAdmin           = "admin"
	RoleCampaignManager = "campaign_manager"
	RoleViewer          = "viewer"
)

// AllRoles is every role allowed to call the operator API.
var AllRoles = []string{RoleAdmin, RoleCampaignManager, RoleViewer}

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsKnown(role string) bool {
	for _, r := range AllRoles {
		if r == role {
			return true
		}
	}
	return false
}
