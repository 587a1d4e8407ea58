package utils

import (
	"context"
	"fmt"
	"reflect"

	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
)

// GetResource fetches a Kubernetes resource by its namespace and name,
// returning the populated resource object.
func GetResource[T client.Object](ctx context.Context, c client.Client, namespace, name string) (T, error) {
	var obj T
	// For example, if T is *corev1.PersistentVolumeClaim, this creates a new PersistentVolumeClaim.
	val := reflect.New(reflect.TypeOf(obj).Elem())

	clientObj, ok := val.Interface().(T)
	if !ok {
		return obj, fmt.Errorf("failed to assert type %T to client.Object", val.Interface())
	}

	err := c.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, clientObj)
	if err != nil {
		return obj, err
	}
	return clientObj, nil
}

// CreateIfNotExists creates obj, treating an existing object of the same name as success.
func CreateIfNotExists(ctx context.Context, deps *Dependencies, obj client.Object) (created bool, err error) {
	if err := deps.Create(ctx, obj); err != nil {
		if errors.IsAlreadyExists(err) {
			deps.Logger.Debugw("Object already exists", "kind", reflect.TypeOf(obj).Elem().Name(), "name", obj.GetName(), "namespace", obj.GetNamespace())
			return false, nil
		}
		return false, fmt.Errorf("failed to create %s %s/%s: %w", reflect.TypeOf(obj).Elem().Name(), obj.GetNamespace(), obj.GetName(), err)
	}
	return true, nil
}

// SetOwner makes owner the controller of obj so deleting owner garbage collects obj.
func SetOwner(deps *Dependencies, owner, obj client.Object) error {
	if err := controllerutil.SetControllerReference(owner, obj, deps.Scheme); err != nil {
		return fmt.Errorf("failed to set owner of %s: %w", obj.GetName(), err)
	}
	return nil
}
