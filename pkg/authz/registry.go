package authz

const (
	RoleOrgAdmin    = "org-admin"
	RoleOrgOperator = "org-operator"
	RoleOrgViewer   = "org-viewer"
	RoleAnonymous   = "anonymous"
)

const (
	ActionRead  = "read"
	ActionAdmin = "admin"
	ActionIssue = "issue"
)

const (
	ObjectPolicyPolicies     = "policy.policies"
	ObjectPolicyAvailability = "policy.availability"
	ObjectPolicyKeys         = "policy.keys"
	ObjectCatalogAPIs        = "catalog.apis"
	ObjectOpsReconciliation  = "ops.reconciliation"
)
