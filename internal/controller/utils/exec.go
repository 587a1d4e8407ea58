package utils

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/httpstream"
	"k8s.io/client-go/kubernetes/scheme"
	corev1client "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
)

// PodExecutor runs a command inside a container.
type PodExecutor interface {
	Execute(ctx context.Context, namespace, name, container string, command ...string) (stdout, stderr string, err error)
}

type podExecutor struct {
	config *rest.Config
}

func NewPodExecutor(config *rest.Config) PodExecutor {
	return &podExecutor{config: config}
}

func (p *podExecutor) Execute(ctx context.Context, namespace, name, container string, command ...string) (string, string, error) {
	client, err := corev1client.NewForConfig(p.config)
	if err != nil {
		return "", "", fmt.Errorf("failed creating corev1 client: %w", err)
	}

	request := client.RESTClient().
		Post().
		Resource("pods").
		Name(name).
		Namespace(namespace).
		SubResource("exec")
	request.VersionedParams(&corev1.PodExecOptions{
		Stdout:    true,
		Stderr:    true,
		Container: container,
		Command:   command,
	}, scheme.ParameterCodec)

	spdyExecutor, err := remotecommand.NewSPDYExecutor(p.config, http.MethodPost, request.URL())
	if err != nil {
		return "", "", fmt.Errorf("failed to initialize the spdy executor: %w", err)
	}
	websocketExecutor, err := remotecommand.NewWebSocketExecutor(p.config, http.MethodGet, request.URL().String())
	if err != nil {
		return "", "", fmt.Errorf("failed to initialize the websocket executor: %w", err)
	}
	executor, err := remotecommand.NewFallbackExecutor(websocketExecutor, spdyExecutor, func(err error) bool {
		return httpstream.IsUpgradeFailure(err) || httpstream.IsHTTPSProxyError(err)
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to initialize the command executor: %w", err)
	}

	var stdout, stderr bytes.Buffer
	if err := executor.StreamWithContext(ctx, remotecommand.StreamOptions{Stdout: &stdout, Stderr: &stderr}); err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("failed to execute command in %s/%s: %w", namespace, name, err)
	}
	return stdout.String(), stderr.String(), nil
}
