package constants

import (
	"time"

	v1 "github.com/sladg/pgvault-operator/api/v1alpha1"
)

const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelApp       = "app"
	LabelSchedule  = v1.OperatorDomain + "/schedule"  // Schedule that created a PostgresBackup
	LabelOperation = v1.OperatorDomain + "/operation" // UID of the PostgresBackup that provisioned an object

	HelperAppLabel = "pg-clone"
	ManagerName    = "pgvault-operator"
)

const (
	AnnotationSCC              = "openshift.io/scc"
	AnnotationDefaultSnapClass = "snapshot.storage.kubernetes.io/is-default-class"
)

// Objects provisioned in every namespace that runs operations.
const (
	ServiceAccountName = "commvault-sa"
	SCCName            = "commvault-scc"
	SecretName         = "commcell-secret"
	StoreVolumeName    = "commvault-store"

	SecretKeyUser     = "CV_COMMCELL_USER"
	SecretKeyPassword = "CV_COMMCELL_PWD"
)

// Zalando cluster layout.
const (
	ZalandoVolumeTemplate = "pgdata"
	ZalandoContainer      = "postgres"
	ZalandoMountPath      = "/home/postgres/pgdata"
	ZalandoPGData         = "/home/postgres/pgdata/pgroot/data"
	ZalandoMasterRole     = "master"

	LabelSpiloRole   = "spilo-role"
	LabelClusterName = "cluster-name"
)

// CNPG cluster layout.
const (
	CNPGMountPath    = "/var/lib/postgresql"
	CNPGWalMountPath = "/var/lib/postgresql/wal"
	CNPGPGData       = "/var/lib/postgresql/data/pgdata"
)

const (
	VolumeData = "pgdata"
	VolumeWal  = "pg-wal"
	VolumeShm  = "dshm"

	DefaultPostgresVersion = "17"
	CVClientRole           = "postgres"
	UnknownClusterName     = "unknown-cluster"
)

const (
	DefaultRequeueInterval   = 30 * time.Second
	ImmediateRequeueInterval = 0 * time.Second
	CredentialsRetryInterval = 60 * time.Second

	JobPollInterval = 15 * time.Second
	JobPollTimeout  = 3600 * time.Second

	WaitPollInterval   = 5 * time.Second
	PodReadyTimeout    = 300 * time.Second
	PodsGoneTimeout    = 300 * time.Second
	PVCAbsentTimeout   = 600 * time.Second
	PVCDeletionTimeout = 300 * time.Second

	ProvisioningAttempts   = 3
	ProvisioningRetryDelay = 10 * time.Second
)

// CloneTimestampLayout formats the suffix of clone and restore volume names.
const CloneTimestampLayout = "20060102150405"
