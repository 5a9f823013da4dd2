package discovery

import (
	"context"
	"fmt"

	authorizationv1 "k8s.io/api/authorization/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// Permission is one RBAC rule the scaler relies on.
type Permission struct {
	Group       string
	Resource    string
	Subresource string
	Verb        string
}

func (p Permission) String() string {
	r := p.Resource
	if p.Subresource != "" {
		r += "/" + p.Subresource
	}
	if p.Group != "" {
		r = p.Group + "/" + r
	}
	return p.Verb + " " + r
}

// FabricPermissions returns the rules the Kubernetes fabric provider needs
// for a worker of the given kind ("Deployment" or "StatefulSet").
func FabricPermissions(workerKind string) []Permission {
	workload := "deployments"
	if workerKind == "StatefulSet" {
		workload = "statefulsets"
	}
	return []Permission{
		{Group: "apps", Resource: workload, Subresource: "scale", Verb: "get"},
		{Group: "apps", Resource: workload, Subresource: "scale", Verb: "update"},
		{Resource: "pods", Verb: "list"},
		{Resource: "pods", Verb: "patch"},
		{Resource: "pods", Subresource: "eviction", Verb: "create"},
		{Resource: "configmaps", Verb: "get"},
		{Resource: "configmaps", Verb: "create"},
		{Resource: "configmaps", Verb: "update"},
	}
}

// TelemetryPermissions returns the rules used by discovery and node telemetry.
func TelemetryPermissions() []Permission {
	return []Permission{
		{Resource: "nodes", Verb: "list"},
		{Resource: "pods", Verb: "list"},
		{Group: "metrics.k8s.io", Resource: "nodes", Verb: "list"},
	}
}

// MissingPermissions checks each rule in namespace via SelfSubjectAccessReview
// and returns the denied ones. An empty namespace checks cluster scope.
func MissingPermissions(ctx context.Context, client kubernetes.Interface, namespace string, perms []Permission) ([]Permission, error) {
	var missing []Permission
	for _, p := range perms {
		allowed, err := checkAccess(ctx, client, namespace, p)
		if err != nil {
			return nil, err
		}
		if !allowed {
			missing = append(missing, p)
		}
	}
	return missing, nil
}

// checkAccess creates a SelfSubjectAccessReview for a single rule.
func checkAccess(ctx context.Context, client kubernetes.Interface, namespace string, p Permission) (bool, error) {
	review := &authorizationv1.SelfSubjectAccessReview{
		Spec: authorizationv1.SelfSubjectAccessReviewSpec{
			ResourceAttributes: &authorizationv1.ResourceAttributes{
				Namespace:   namespace,
				Verb:        p.Verb,
				Group:       p.Group,
				Resource:    p.Resource,
				Subresource: p.Subresource,
			},
		},
	}

	result, err := client.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, review, metav1.CreateOptions{})
	if err != nil {
		return false, fmt.Errorf("SelfSubjectAccessReview for %s: %w", p, err)
	}

	return result.Status.Allowed, nil
}
