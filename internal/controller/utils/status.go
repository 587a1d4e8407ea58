package utils

import (
	"context"
	"encoding/json"
	"fmt"

	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// PatchStatus merge patches the given status fields. Fields not named are left
// untouched, so writers with disjoint fields never overwrite each other.
func PatchStatus(ctx context.Context, deps *Dependencies, obj client.Object, fields map[string]any) error {
	patch, err := json.Marshal(map[string]any{"status": fields})
	if err != nil {
		return fmt.Errorf("failed to encode status patch: %w", err)
	}
	if err := deps.Status().Patch(ctx, obj, client.RawPatch(types.MergePatchType, patch)); err != nil {
		return fmt.Errorf("failed to patch status of %s/%s: %w", obj.GetNamespace(), obj.GetName(), err)
	}
	return nil
}
