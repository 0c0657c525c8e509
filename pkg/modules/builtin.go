package modules

import (
	"fmt"
)

// vpcModule (net/vpc) declares a network with private service access
// and optional NAT.
type vpcModule struct{}

func (m *vpcModule) Source() string { return "net/vpc" }

func (m *vpcModule) Expand(callName string, inputs map[string]interface{}) (*Expansion, error) {
	name, err := stringInput(inputs, "name")
	if err != nil {
		return nil, fmt.Errorf("net/vpc: %w", err)
	}
	cidr, err := stringInput(inputs, "cidr")
	if err != nil {
		return nil, fmt.Errorf("net/vpc: %w", err)
	}

	networkID := callName + ".network"
	network := Resource{
		ID:   networkID,
		Type: "cloud.network",
		Name: name,
		Config: map[string]interface{}{
			"name":           name,
			"cidr":           cidr,
			"region":         stringInputOr(inputs, "region", "region-1"),
			"private_access": boolInputOr(inputs, "private_access", true),
			"enable_nat":     boolInputOr(inputs, "enable_nat", false),
		},
		Labels: map[string]string{"module": "net/vpc"},
	}

	return &Expansion{
		Resources: []Resource{network},
		Outputs: map[string]string{
			"network_id": networkID,
			"self_link":  resRef(networkID, "self_link"),
			"cidr":       resRef(networkID, "cidr"),
		},
	}, nil
}

// clusterModule (svc/cluster) declares a clustered service: an unseal
// key, a backend bucket encrypted with it, the compute cluster itself,
// and the IAM binding the nodes need on the bucket.
type clusterModule struct{}

func (m *clusterModule) Source() string { return "svc/cluster" }

func (m *clusterModule) Expand(callName string, inputs map[string]interface{}) (*Expansion, error) {
	name, err := stringInput(inputs, "name")
	if err != nil {
		return nil, fmt.Errorf("svc/cluster: %w", err)
	}
	network, err := stringInput(inputs, "network")
	if err != nil {
		return nil, fmt.Errorf("svc/cluster: %w", err)
	}
	nodes := intInputOr(inputs, "nodes", 3)
	if nodes < 1 {
		return nil, fmt.Errorf("svc/cluster: nodes must be at least 1, got %d", nodes)
	}

	keyID := callName + ".key"
	storageID := callName + ".storage"
	nodesID := callName + ".nodes"
	bindingID := callName + ".binding"

	key := Resource{
		ID:   keyID,
		Type: "cloud.kmskey",
		Name: name + "-unseal",
		Config: map[string]interface{}{
			"name":          name + "-unseal",
			"rotation_days": intInputOr(inputs, "rotation_days", 90),
			"purpose":       "encrypt_decrypt",
		},
		Labels: map[string]string{"module": "svc/cluster"},
	}

	storage := Resource{
		ID:   storageID,
		Type: "cloud.bucket",
		Name: name + "-backend",
		Config: map[string]interface{}{
			"name":           name + "-backend",
			"versioning":     true,
			"public":         false,
			"encryption_key": resRef(keyID, "self_link"),
		},
		Labels: map[string]string{"module": "svc/cluster"},
	}

	cluster := Resource{
		ID:   nodesID,
		Type: "cloud.cluster",
		Name: name,
		Config: map[string]interface{}{
			"name":           name,
			"nodes":          nodes,
			"machine_type":   stringInputOr(inputs, "machine_type", "standard-2"),
			"network":        network,
			"backend_bucket": resRef(storageID, "name"),
			"unseal_key":     resRef(keyID, "self_link"),
			"startup_script": stringInputOr(inputs, "startup_script", defaultClusterScript),
		},
		Labels: map[string]string{"module": "svc/cluster"},
	}

	binding := Resource{
		ID:   bindingID,
		Type: "cloud.iam",
		Name: name + "-backend-rw",
		Config: map[string]interface{}{
			"target":  resRef(storageID, "self_link"),
			"role":    "roles/storage.objectAdmin",
			"members": []interface{}{fmt.Sprintf("serviceAccount:%s@local", name)},
		},
		Labels: map[string]string{"module": "svc/cluster"},
	}

	return &Expansion{
		Resources: []Resource{key, storage, cluster, binding},
		Outputs: map[string]string{
			"cluster_id": nodesID,
			"bucket":     resRef(storageID, "name"),
			"key":        resRef(keyID, "self_link"),
		},
	}, nil
}

const defaultClusterScript = `#!/bin/bash
set -euo pipefail
systemctl enable --now node-agent
`

// serverlessModule (fn/serverless) declares a source bucket, the
// function, and its invoker binding.
type serverlessModule struct{}

func (m *serverlessModule) Source() string { return "fn/serverless" }

func (m *serverlessModule) Expand(callName string, inputs map[string]interface{}) (*Expansion, error) {
	name, err := stringInput(inputs, "name")
	if err != nil {
		return nil, fmt.Errorf("fn/serverless: %w", err)
	}
	runtime, err := stringInput(inputs, "runtime")
	if err != nil {
		return nil, fmt.Errorf("fn/serverless: %w", err)
	}

	sourceID := callName + ".source"
	fnID := callName + ".fn"
	invokerID := callName + ".invoker"

	source := Resource{
		ID:   sourceID,
		Type: "cloud.bucket",
		Name: name + "-src",
		Config: map[string]interface{}{
			"name":       name + "-src",
			"versioning": false,
			"public":     false,
		},
		Labels: map[string]string{"module": "fn/serverless"},
	}

	fn := Resource{
		ID:   fnID,
		Type: "cloud.function",
		Name: name,
		Config: map[string]interface{}{
			"name":          name,
			"runtime":       runtime,
			"entry_point":   stringInputOr(inputs, "entry_point", "main"),
			"memory_mb":     intInputOr(inputs, "memory_mb", 256),
			"source_bucket": resRef(sourceID, "name"),
		},
		Labels: map[string]string{"module": "fn/serverless"},
	}

	invoker := Resource{
		ID:   invokerID,
		Type: "cloud.iam",
		Name: name + "-invoker",
		Config: map[string]interface{}{
			"target":  resRef(fnID, "self_link"),
			"role":    "roles/run.invoker",
			"members": []interface{}{stringInputOr(inputs, "invoker", "allUsers")},
		},
		Labels: map[string]string{"module": "fn/serverless"},
	}

	return &Expansion{
		Resources: []Resource{source, fn, invoker},
		Outputs: map[string]string{
			"function_id": fnID,
			"url":         resRef(fnID, "self_link"),
		},
	}, nil
}
