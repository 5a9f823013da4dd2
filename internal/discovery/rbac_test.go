package discovery

import (
	"context"
	"fmt"
	"testing"

	authorizationv1 "k8s.io/api/authorization/v1"
	"k8s.io/apimachinery/pkg/runtime"
	fakeclientset "k8s.io/client-go/kubernetes/fake"
	clienttesting "k8s.io/client-go/testing"
)

// addSelfSubjectAccessReviewReactor installs a reactor on the fake client
// that answers each review with allow(attributes).
func addSelfSubjectAccessReviewReactor(client *fakeclientset.Clientset, allow func(*authorizationv1.ResourceAttributes) bool) {
	client.PrependReactor("create", "selfsubjectaccessreviews", func(action clienttesting.Action) (bool, runtime.Object, error) {
		review := action.(clienttesting.CreateAction).GetObject().(*authorizationv1.SelfSubjectAccessReview)
		return true, &authorizationv1.SelfSubjectAccessReview{
			Status: authorizationv1.SubjectAccessReviewStatus{
				Allowed: allow(review.Spec.ResourceAttributes),
			},
		}, nil
	})
}

func TestMissingPermissions_AllAllowed(t *testing.T) {
	client := fakeclientset.NewSimpleClientset()
	addSelfSubjectAccessReviewReactor(client, func(*authorizationv1.ResourceAttributes) bool { return true })

	missing, err := MissingPermissions(context.Background(), client, "inference", FabricPermissions("Deployment"))
	if err != nil {
		t.Fatalf("MissingPermissions() error = %v", err)
	}
	if len(missing) != 0 {
		t.Errorf("expected no missing permissions, got %v", missing)
	}
}

func TestMissingPermissions_EvictionDenied(t *testing.T) {
	client := fakeclientset.NewSimpleClientset()
	var namespaces []string
	addSelfSubjectAccessReviewReactor(client, func(a *authorizationv1.ResourceAttributes) bool {
		namespaces = append(namespaces, a.Namespace)
		return a.Subresource != "eviction"
	})

	missing, err := MissingPermissions(context.Background(), client, "inference", FabricPermissions("Deployment"))
	if err != nil {
		t.Fatalf("MissingPermissions() error = %v", err)
	}
	if len(missing) != 1 {
		t.Fatalf("expected 1 missing permission, got %v", missing)
	}
	if got := missing[0].String(); got != "create pods/eviction" {
		t.Errorf("missing = %q, want %q", got, "create pods/eviction")
	}
	for _, ns := range namespaces {
		if ns != "inference" {
			t.Errorf("review namespace = %q, want inference", ns)
		}
	}
}

func TestMissingPermissions_ReviewError(t *testing.T) {
	client := fakeclientset.NewSimpleClientset()
	client.PrependReactor("create", "selfsubjectaccessreviews", func(clienttesting.Action) (bool, runtime.Object, error) {
		return true, nil, fmt.Errorf("apiserver unavailable")
	})

	if _, err := MissingPermissions(context.Background(), client, "", TelemetryPermissions()); err == nil {
		t.Fatal("expected error when access review fails")
	}
}

func TestFabricPermissions_WorkerKind(t *testing.T) {
	perms := FabricPermissions("StatefulSet")
	if got := perms[0].String(); got != "get apps/statefulsets/scale" {
		t.Errorf("first permission = %q, want %q", got, "get apps/statefulsets/scale")
	}
	perms = FabricPermissions("Deployment")
	if got := perms[1].String(); got != "update apps/deployments/scale" {
		t.Errorf("second permission = %q, want %q", got, "update apps/deployments/scale")
	}
}
