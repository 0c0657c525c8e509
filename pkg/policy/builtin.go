package policy

import "time"

// BuiltinPolicies returns the rules every workspace gets by default.
func BuiltinPolicies() []Policy {
	now := time.Now()
	policies := []Policy{
		{
			Name:        "bucket-no-public-access",
			Description: "Buckets must not be publicly readable",
			Severity:    SeverityError,
			Tags:        []string{"storage", "security"},
			Rego: `package groundwork.policies.bucket_public

import rego.v1

deny contains violation if {
	input.resource.type == "cloud.bucket"
	input.resource.config.public == true
	violation := {
		"message": sprintf("bucket %s allows public access", [input.resource.id]),
		"severity": "error",
		"resource": input.resource.id,
	}
}
`,
		},
		{
			Name:        "bucket-customer-managed-key",
			Description: "Buckets should encrypt with a customer-managed key",
			Severity:    SeverityWarning,
			Tags:        []string{"storage", "encryption"},
			Rego: `package groundwork.policies.bucket_cmek

import rego.v1

deny contains violation if {
	input.resource.type == "cloud.bucket"
	not input.resource.config.encryption_key
	violation := {
		"message": sprintf("bucket %s has no customer-managed encryption key", [input.resource.id]),
		"severity": "warning",
		"resource": input.resource.id,
	}
}
`,
		},
		{
			Name:        "iam-no-broad-grants",
			Description: "allUsers may only be granted the function invoker role",
			Severity:    SeverityError,
			Tags:        []string{"iam", "security"},
			Rego: `package groundwork.policies.iam_scope

import rego.v1

deny contains violation if {
	input.resource.type == "cloud.iam"
	some member in input.resource.config.members
	member == "allUsers"
	input.resource.config.role != "roles/run.invoker"
	violation := {
		"message": sprintf("binding %s grants %s to allUsers", [input.resource.id, input.resource.config.role]),
		"severity": "error",
		"resource": input.resource.id,
	}
}
`,
		},
		{
			Name:        "cluster-quorum",
			Description: "Clusters should run at least three nodes",
			Severity:    SeverityWarning,
			Tags:        []string{"compute", "availability"},
			Rego: `package groundwork.policies.cluster_quorum

import rego.v1

deny contains violation if {
	input.resource.type == "cloud.cluster"
	input.resource.config.nodes < 3
	violation := {
		"message": sprintf("cluster %s runs %d nodes, below quorum of 3", [input.resource.id, input.resource.config.nodes]),
		"severity": "warning",
		"resource": input.resource.id,
	}
}
`,
		},
		{
			Name:        "kms-rotation",
			Description: "KMS keys must rotate at least yearly",
			Severity:    SeverityWarning,
			Tags:        []string{"encryption"},
			Rego: `package groundwork.policies.kms_rotation

import rego.v1

deny contains violation if {
	input.resource.type == "cloud.kmskey"
	not input.resource.config.rotation_days
	violation := {
		"message": sprintf("key %s has no rotation period", [input.resource.id]),
		"severity": "warning",
		"resource": input.resource.id,
	}
}

deny contains violation if {
	input.resource.type == "cloud.kmskey"
	input.resource.config.rotation_days > 365
	violation := {
		"message": sprintf("key %s rotates every %d days, more than a year", [input.resource.id, input.resource.config.rotation_days]),
		"severity": "warning",
		"resource": input.resource.id,
	}
}
`,
		},
		{
			Name:        "plan-kms-deletion",
			Description: "Deleting a KMS key makes its ciphertext unrecoverable",
			Severity:    SeverityWarning,
			Tags:        []string{"plan", "encryption"},
			Rego: `package groundwork.policies.plan_kms_delete

import rego.v1

deny contains violation if {
	some unit in input.plan.units
	unit.operation == "delete"
	unit.provider_type == "cloud.kmskey"
	violation := {
		"message": sprintf("plan deletes KMS key %s", [unit.resource_id]),
		"severity": "warning",
		"resource": unit.resource_id,
	}
}
`,
		},
	}

	for i := range policies {
		policies[i].Enabled = true
		policies[i].Builtin = true
		policies[i].LoadedAt = now
	}
	return policies
}
