package openshift

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	apimeta "k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/sladg/pgvault-operator/internal/constants"
)

func infrastructureClient(getErr error, name string) client.Client {
	return fake.NewClientBuilder().WithInterceptorFuncs(interceptor.Funcs{
		Get: func(_ context.Context, _ client.WithWatch, _ client.ObjectKey, obj client.Object, _ ...client.GetOption) error {
			if getErr != nil {
				return getErr
			}
			u := obj.(*unstructured.Unstructured)
			return unstructured.SetNestedField(u.Object, name, "status", "infrastructureName")
		},
	}).Build()
}

func TestDetectClusterName(t *testing.T) {
	log := zap.NewNop().Sugar()

	tests := map[string]struct {
		getErr   error
		infra    string
		fallback string
		want     string
	}{
		"infrastructure name without suffix": {infra: "ocp-prod-x7k2p", want: "ocp-prod"},
		"infrastructure name without dash":   {infra: "lab", want: "lab"},
		"empty infrastructure uses fallback": {infra: "", fallback: "from-env", want: "from-env"},
		"api error uses fallback":            {getErr: errors.New("boom"), fallback: "from-env", want: "from-env"},
		"nothing known":                      {getErr: errors.New("boom"), want: constants.UnknownClusterName},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got := DetectClusterName(t.Context(), infrastructureClient(tc.getErr, tc.infra), tc.fallback, log)
			if got != tc.want {
				t.Errorf("DetectClusterName() = %q, want %q", got, tc.want)
			}
		})
	}
}

type sccRecorder struct {
	existingUsers []any
	getErr        error
	conflicts     int
	created       *unstructured.Unstructured
	patch         []byte
	patches       int
}

func (r *sccRecorder) client() client.Client {
	return fake.NewClientBuilder().WithInterceptorFuncs(interceptor.Funcs{
		Get: func(_ context.Context, _ client.WithWatch, _ client.ObjectKey, obj client.Object, _ ...client.GetOption) error {
			if r.getErr != nil {
				return r.getErr
			}
			u := obj.(*unstructured.Unstructured)
			u.Object["users"] = r.existingUsers
			u.SetResourceVersion("7")
			return nil
		},
		Create: func(_ context.Context, _ client.WithWatch, obj client.Object, _ ...client.CreateOption) error {
			r.created = obj.(*unstructured.Unstructured)
			return nil
		},
		Patch: func(_ context.Context, _ client.WithWatch, obj client.Object, patch client.Patch, _ ...client.PatchOption) error {
			r.patches++
			if r.patches <= r.conflicts {
				return apierrors.NewConflict(SCCGVK.GroupVersion().WithResource("securitycontextconstraints").GroupResource(), constants.SCCName, errors.New("stale"))
			}
			data, err := patch.Data(obj)
			r.patch = data
			return err
		},
	}).Build()
}

func TestEnsureSCC(t *testing.T) {
	log := zap.NewNop().Sugar()
	user := "system:serviceaccount:db:commvault-sa"

	t.Run("creates missing scc", func(t *testing.T) {
		r := &sccRecorder{getErr: apierrors.NewNotFound(SCCGVK.GroupVersion().WithResource("securitycontextconstraints").GroupResource(), constants.SCCName)}
		if err := EnsureSCC(t.Context(), r.client(), user, log); err != nil {
			t.Fatalf("EnsureSCC() error = %v", err)
		}
		if r.created == nil {
			t.Fatal("expected SCC to be created")
		}
		users, _, _ := unstructured.NestedStringSlice(r.created.Object, "users")
		if diff := cmp.Diff([]string{user}, users); diff != "" {
			t.Errorf("users mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("adds user to existing scc", func(t *testing.T) {
		r := &sccRecorder{existingUsers: []any{"system:serviceaccount:other:commvault-sa"}}
		if err := EnsureSCC(t.Context(), r.client(), user, log); err != nil {
			t.Fatalf("EnsureSCC() error = %v", err)
		}
		want := `{"metadata":{"resourceVersion":"7"},"users":["system:serviceaccount:other:commvault-sa","system:serviceaccount:db:commvault-sa"]}`
		if string(r.patch) != want {
			t.Errorf("patch = %s, want %s", r.patch, want)
		}
	})

	t.Run("retries a conflicting user update", func(t *testing.T) {
		r := &sccRecorder{existingUsers: []any{"system:serviceaccount:other:commvault-sa"}, conflicts: 1}
		if err := EnsureSCC(t.Context(), r.client(), user, log); err != nil {
			t.Fatalf("EnsureSCC() error = %v", err)
		}
		if r.patches != 2 {
			t.Errorf("patches = %d, want 2", r.patches)
		}
	})

	t.Run("user already present", func(t *testing.T) {
		r := &sccRecorder{existingUsers: []any{user}}
		if err := EnsureSCC(t.Context(), r.client(), user, log); err != nil {
			t.Fatalf("EnsureSCC() error = %v", err)
		}
		if r.patch != nil || r.created != nil {
			t.Error("expected no write")
		}
	})

	t.Run("api not served", func(t *testing.T) {
		r := &sccRecorder{getErr: &apimeta.NoKindMatchError{GroupKind: SCCGVK.GroupKind()}}
		if err := EnsureSCC(t.Context(), r.client(), user, log); err != nil {
			t.Fatalf("EnsureSCC() error = %v", err)
		}
		if r.created != nil {
			t.Error("expected no SCC on clusters without the API")
		}
	})
}

func TestNewSCC(t *testing.T) {
	scc := NewSCC("u")
	if scc.GetName() != constants.SCCName {
		t.Errorf("name = %q", scc.GetName())
	}
	uid, _, _ := unstructured.NestedInt64(scc.Object, "runAsUser", "uid")
	if uid != 101 {
		t.Errorf("runAsUser.uid = %d, want 101", uid)
	}
	volumes, _, _ := unstructured.NestedStringSlice(scc.Object, "volumes")
	if diff := cmp.Diff([]string{"configMap", "emptyDir", "persistentVolumeClaim", "secret"}, volumes); diff != "" {
		t.Errorf("volumes mismatch (-want +got):\n%s", diff)
	}
}
