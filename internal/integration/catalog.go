package integration

// builtinCatalog is the default set of external services available for
// delegation: CRM tooling, identity providers, project management and MCP
// servers.
var builtinCatalog = []Service{
	{
		Name:        "HubSpot CRM",
		ServiceType: "crm_tools",
		Active:      true,
		Scopes: []Scope{
			{ScopeID: "crm.contacts.read", PermissionLevel: LevelRead, Description: "Read contact records"},
			{ScopeID: "crm.contacts.write", PermissionLevel: LevelWrite, Description: "Create and update contacts"},
			{ScopeID: "crm.deals.read", PermissionLevel: LevelRead, Description: "Read deal pipeline"},
			{ScopeID: "crm.deals.write", PermissionLevel: LevelWrite, Description: "Move and edit deals"},
		},
	},
	{
		Name:        "Keycloak",
		ServiceType: "identity_services",
		Active:      true,
		Scopes: []Scope{
			{ScopeID: "identity.users.read", PermissionLevel: LevelRead, Description: "Look up user accounts"},
			{ScopeID: "identity.users.admin", PermissionLevel: LevelAdmin, Description: "Manage user accounts"},
		},
	},
	{
		Name:        "Okta",
		ServiceType: "identity_services",
		Active:      true,
		Scopes: []Scope{
			{ScopeID: "identity.users.read", PermissionLevel: LevelRead, Description: "Look up user accounts"},
			{ScopeID: "identity.groups.read", PermissionLevel: LevelRead, Description: "Read group membership"},
		},
	},
	{
		Name:        "Plane",
		ServiceType: "project_management",
		Active:      true,
		Scopes: []Scope{
			{ScopeID: "projects.read", PermissionLevel: LevelRead, Description: "Read projects and issues"},
			{ScopeID: "projects.issues.write", PermissionLevel: LevelWrite, Description: "Create and update issues"},
			{ScopeID: "projects.cycles.write", PermissionLevel: LevelWrite, Description: "Manage cycles and sprints"},
		},
	},
	{
		Name:        "MCP Gateway",
		ServiceType: "mcp_servers",
		Active:      true,
		Scopes: []Scope{
			{ScopeID: "mcp.tools.invoke", PermissionLevel: LevelWrite, Description: "Invoke exposed MCP tools"},
			{ScopeID: "mcp.resources.read", PermissionLevel: LevelRead, Description: "Read MCP resources"},
		},
	},
}
