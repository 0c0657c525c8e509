package cloud

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/groundworkhq/groundwork/pkg/cloudapi"
	"github.com/groundworkhq/groundwork/pkg/engine"
	"github.com/groundworkhq/groundwork/pkg/templates"
)

// NewNetworkProvider handles cloud.network. Changing the CIDR forces a
// recreate since addresses may already be allocated out of the old range.
func NewNetworkProvider(client cloudapi.Client, logger zerolog.Logger) (engine.Provider, error) {
	return newProvider(client, logger, "cloud.network",
		"virtual networks with private access and NAT",
		[]string{"cidr", "name"}, nil)
}

// NewBucketProvider handles cloud.bucket. Name and location are fixed at
// creation.
func NewBucketProvider(client cloudapi.Client, logger zerolog.Logger) (engine.Provider, error) {
	return newProvider(client, logger, "cloud.bucket",
		"object storage buckets",
		[]string{"name", "location"}, nil)
}

// NewKMSKeyProvider handles cloud.kmskey. Purpose cannot change after
// creation; rotation can.
func NewKMSKeyProvider(client cloudapi.Client, logger zerolog.Logger) (engine.Provider, error) {
	return newProvider(client, logger, "cloud.kmskey",
		"managed encryption keys with rotation",
		[]string{"name", "purpose"}, nil)
}

// NewClusterProvider handles cloud.cluster. The startup script is a
// template rendered against the cluster's own attributes at apply time,
// and each node gets an address allocated from the cluster subnet.
func NewClusterProvider(client cloudapi.Client, logger zerolog.Logger) (engine.Provider, error) {
	renderer := templates.NewRenderer()
	hook := func(ctx context.Context, resourceID string, attrs map[string]interface{}) error {
		if n := nodeCount(attrs["nodes"]); n > 0 {
			addrs := make([]interface{}, n)
			for i := range addrs {
				addrs[i] = fmt.Sprintf("10.128.0.%d", i+10)
			}
			attrs["node_addresses"] = addrs
		}

		script, ok := attrs["startup_script"].(string)
		if !ok || script == "" {
			return nil
		}
		rendered, err := renderer.RenderStartupScript(resourceID, script, attrs)
		if err != nil {
			return engine.NewPermanentError(fmt.Sprintf("render startup script: %v", err), nil).
				WithResource(resourceID).
				WithCode(engine.ErrCodeValidation)
		}
		// The raw template stays under startup_script so plans stay
		// stable; the rendered form is what nodes actually boot with.
		attrs["startup_script_rendered"] = rendered
		return nil
	}
	return newProvider(client, logger, "cloud.cluster",
		"compute clusters bootstrapped by a startup script",
		[]string{"name", "network"}, hook)
}

// nodeCount reads the nodes attribute, which arrives as whichever
// numeric type the decoder produced.
func nodeCount(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// NewIAMProvider handles cloud.iam bindings. A binding's target and
// role identify it, so changing either replaces the binding.
func NewIAMProvider(client cloudapi.Client, logger zerolog.Logger) (engine.Provider, error) {
	return newProvider(client, logger, "cloud.iam",
		"IAM role bindings on cloud resources",
		[]string{"target", "role"}, nil)
}

// NewFunctionProvider handles cloud.function.
func NewFunctionProvider(client cloudapi.Client, logger zerolog.Logger) (engine.Provider, error) {
	hook := func(ctx context.Context, resourceID string, attrs map[string]interface{}) error {
		name, _ := attrs["name"].(string)
		if name == "" {
			name = resourceID
		}
		attrs["url"] = fmt.Sprintf("https://functions.local/%s", name)
		return nil
	}
	return newProvider(client, logger, "cloud.function",
		"serverless functions",
		[]string{"name", "runtime"}, hook)
}

// Builtin constructs all cloud.* providers against one client.
func Builtin(client cloudapi.Client, logger zerolog.Logger) (map[string]engine.Provider, error) {
	constructors := map[string]func(cloudapi.Client, zerolog.Logger) (engine.Provider, error){
		"cloud.network":  NewNetworkProvider,
		"cloud.bucket":   NewBucketProvider,
		"cloud.kmskey":   NewKMSKeyProvider,
		"cloud.cluster":  NewClusterProvider,
		"cloud.iam":      NewIAMProvider,
		"cloud.function": NewFunctionProvider,
	}

	providers := make(map[string]engine.Provider, len(constructors))
	for resourceType, construct := range constructors {
		p, err := construct(client, logger)
		if err != nil {
			return nil, fmt.Errorf("construct %s provider: %w", resourceType, err)
		}
		providers[resourceType] = p
	}
	return providers, nil
}
