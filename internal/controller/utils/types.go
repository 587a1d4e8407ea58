package utils

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/rest"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/sladg/pgvault-operator/internal/config"
	"github.com/sladg/pgvault-operator/internal/constants"
)

// Dependencies holds shared dependencies for controllers.
type Dependencies struct {
	client.Client
	Scheme     *runtime.Scheme
	Config     *rest.Config
	Logger     *zap.SugaredLogger
	CronParser cron.Parser
	Settings   config.Settings
	Executor   PodExecutor
	Waits      WaitSettings

	// ClusterName identifies the OpenShift cluster this operator runs in.
	ClusterName string
}

// WaitSettings bounds every condition wait.
type WaitSettings struct {
	Interval    time.Duration
	PodReady    time.Duration
	PodsGone    time.Duration
	PVCAbsent   time.Duration
	PVCDeletion time.Duration

	// ProvisioningRetry separates re-drives of a retryable provisioning failure.
	ProvisioningRetry time.Duration
}

func DefaultWaitSettings() WaitSettings {
	return WaitSettings{
		Interval:    constants.WaitPollInterval,
		PodReady:    constants.PodReadyTimeout,
		PodsGone:    constants.PodsGoneTimeout,
		PVCAbsent:   constants.PVCAbsentTimeout,
		PVCDeletion: constants.PVCDeletionTimeout,

		ProvisioningRetry: constants.ProvisioningRetryDelay,
	}
}
