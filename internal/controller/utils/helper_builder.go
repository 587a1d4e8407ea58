package utils

import (
	snapshotv1 "github.com/kubernetes-csi/external-snapshotter/client/v8/apis/volumesnapshot/v1"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	v1 "github.com/sladg/pgvault-operator/api/v1alpha1"
	"github.com/sladg/pgvault-operator/internal/config"
	"github.com/sladg/pgvault-operator/internal/constants"
)

const (
	postgresContainerName  = "postgresql"
	commvaultContainerName = "commvault-pgsqlagent"
	commvaultUID           = int64(101)
	commcellSecretMount    = "/opt/commcell_secret"
)

// HelperSpec describes the helper StatefulSet that exposes clone or restore
// volumes to the Commvault agent.
type HelperSpec struct {
	Name          string
	Namespace     string
	Operator      v1.TargetSystem
	Action        v1.Action
	PostgresImage string
	PostgresEnv   []corev1.EnvVar
	// Claims maps helper volume names (pgdata, pg-wal) to claim names.
	Claims   map[string]string
	Settings config.Settings
}

// BuildHelperStatefulSet renders the helper workload. The caller sets the owner.
func BuildHelperStatefulSet(spec HelperSpec) *appsv1.StatefulSet {
	volumes, postgresMounts, commvaultMounts := helperVolumes(spec)

	postgres := corev1.Container{
		Name:         postgresContainerName,
		Image:        spec.PostgresImage,
		Env:          spec.PostgresEnv,
		Ports:        []corev1.ContainerPort{{Name: "postgredb", ContainerPort: 5432}},
		VolumeMounts: postgresMounts,
	}
	switch spec.Operator {
	case v1.TargetSystemZalando:
		postgres.Args = []string{string(spec.Action)}
	case v1.TargetSystemCNPG:
		postgres.Command = []string{"postgres"}
		postgres.Args = []string{
			"-c", "ssl=off",
			"-c", "logging_collector=off",
			"-c", "log_destination=stderr",
			"-c", "unix_socket_directories=/var/run/postgresql",
			"-D", constants.CNPGPGData,
		}
	}
	if spec.Action == v1.ActionRestore {
		postgres.Command = []string{"sleep"}
		postgres.Args = []string{"infinity"}
	}

	s := spec.Settings
	agent := corev1.Container{
		Name:  commvaultContainerName,
		Image: s.CommvaultImage(),
		Ports: []corev1.ContainerPort{{Name: "cvdport", ContainerPort: 8400}},
		Env: []corev1.EnvVar{
			{Name: "CV_CLIENT_ROLE", Value: constants.CVClientRole},
			{Name: "CV_CSCLIENTNAME", Value: spec.Name},
			{Name: "CV_CLIENT_NAME", Value: spec.Name},
			{Name: "CV_CSHOSTNAME", Value: s.CommvaultHost},
			{Name: "CV_CSIPADDR", Value: s.CommvaultIP},
			{Name: "CV_MASVCNAME", Value: s.CommvaultMAService},
		},
		ReadinessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromInt32(8400)},
			},
			InitialDelaySeconds: 20,
			TimeoutSeconds:      1,
			PeriodSeconds:       10,
			FailureThreshold:    6,
		},
		VolumeMounts:    commvaultMounts,
		SecurityContext: &corev1.SecurityContext{RunAsUser: ptr.To(commvaultUID)},
	}

	podSpec := corev1.PodSpec{
		ServiceAccountName: constants.ServiceAccountName,
		Containers:         []corev1.Container{postgres, agent},
		Volumes:            volumes,
		InitContainers:     helperInitContainers(spec, postgresMounts),
	}
	if s.CommvaultIP != "" && s.CommvaultHost != "" {
		podSpec.HostAliases = []corev1.HostAlias{{IP: s.CommvaultIP, Hostnames: []string{s.CommvaultHost}}}
	}

	return &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: spec.Namespace,
			Labels: map[string]string{
				constants.LabelApp:       constants.HelperAppLabel,
				constants.LabelManagedBy: constants.ManagerName,
			},
		},
		Spec: appsv1.StatefulSetSpec{
			Replicas: ptr.To(int32(1)),
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{constants.LabelApp: spec.Name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels:      map[string]string{constants.LabelApp: spec.Name},
					Annotations: map[string]string{constants.AnnotationSCC: constants.SCCName},
				},
				Spec: podSpec,
			},
		},
	}
}

func helperVolumes(spec HelperSpec) ([]corev1.Volume, []corev1.VolumeMount, []corev1.VolumeMount) {
	store, secret := constants.StoreVolumeName, constants.SecretName

	volumes := []corev1.Volume{
		{Name: secret, VolumeSource: corev1.VolumeSource{Secret: &corev1.SecretVolumeSource{SecretName: secret}}},
		{Name: store, VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
	}
	commvaultMounts := []corev1.VolumeMount{
		{Name: store, MountPath: "/opt/cvdocker_env", ReadOnly: true},
		{Name: store, MountPath: "/etc/CommVaultRegistry", SubPath: "Registry"},
		{Name: store, MountPath: "/var/log/commvault/Log_Files", SubPath: "Log_Files"},
		{Name: store, MountPath: "/opt/commvault/iDataAgent/jobResults", SubPath: "jobResults"},
		{Name: store, MountPath: "/opt/commvault/appdata", SubPath: "certificates"},
		{Name: secret, MountPath: commcellSecretMount},
	}

	for _, name := range []string{constants.VolumeData, constants.VolumeWal} {
		claim, ok := spec.Claims[name]
		if !ok {
			continue
		}
		volumes = append(volumes, corev1.Volume{
			Name: name,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: claim},
			},
		})
	}

	var postgresMounts []corev1.VolumeMount
	switch spec.Operator {
	case v1.TargetSystemZalando:
		postgresMounts = []corev1.VolumeMount{
			{Name: constants.VolumeData, MountPath: constants.ZalandoMountPath},
			{Name: constants.VolumeShm, MountPath: "/dev/shm"},
		}
		commvaultMounts = append(commvaultMounts, postgresMounts...)
		volumes = append(volumes, corev1.Volume{
			Name:         constants.VolumeShm,
			VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{Medium: corev1.StorageMediumMemory}},
		})
	case v1.TargetSystemCNPG:
		postgresMounts = []corev1.VolumeMount{{Name: constants.VolumeData, MountPath: constants.CNPGMountPath}}
		if _, ok := spec.Claims[constants.VolumeWal]; ok {
			postgresMounts = append(postgresMounts, corev1.VolumeMount{Name: constants.VolumeWal, MountPath: constants.CNPGWalMountPath})
		}
		commvaultMounts = append(commvaultMounts, postgresMounts...)
	}
	return volumes, postgresMounts, commvaultMounts
}

func helperInitContainers(spec HelperSpec, postgresMounts []corev1.VolumeMount) []corev1.Container {
	switch spec.Operator {
	case v1.TargetSystemZalando:
		return []corev1.Container{{
			Name:            "remove-postmaster-pid",
			Image:           spec.PostgresImage,
			ImagePullPolicy: corev1.PullIfNotPresent,
			Command:         []string{"sh", "-c"},
			Args: []string{
				"rm -f /home/postgres/pgdata/pgroot/data/postmaster.pid && " +
					"mkdir -p /home/postgres/pgdata/pgroot/wal-archive && " +
					"mkdir -p /home/postgres/pgdata/pgroot/data && " +
					"chown -R 101:103 /home/postgres/pgdata/pgroot",
			},
			SecurityContext: &corev1.SecurityContext{RunAsUser: ptr.To(commvaultUID)},
			VolumeMounts:    []corev1.VolumeMount{{Name: constants.VolumeData, MountPath: constants.ZalandoMountPath}},
		}}
	case v1.TargetSystemCNPG:
		return []corev1.Container{{
			Name:         "init-permissions",
			Image:        spec.PostgresImage,
			Command:      []string{"/bin/sh"},
			Args:         []string{"-c", "chmod 700 " + constants.CNPGPGData},
			VolumeMounts: postgresMounts,
		}}
	}
	return nil
}

// ClaimSpec describes a destination volume.
type ClaimSpec struct {
	Name      string
	Namespace string
	Source    VolumeSource
	// Snapshot, when set, makes the claim a clone of that VolumeSnapshot.
	Snapshot string
	Labels   map[string]string
}

// BuildClaim renders a ReadWriteOnce claim. Restore claims carry no owner so
// that deleting the PostgresBackup keeps the restored data.
func BuildClaim(spec ClaimSpec) *corev1.PersistentVolumeClaim {
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: spec.Namespace,
			Labels:    spec.Labels,
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources:   corev1.VolumeResourceRequirements{Requests: spec.Source.Request.DeepCopy()},
		},
	}
	if spec.Source.StorageClassName != "" {
		pvc.Spec.StorageClassName = ptr.To(spec.Source.StorageClassName)
	}
	if spec.Snapshot != "" {
		pvc.Spec.DataSource = &corev1.TypedLocalObjectReference{
			APIGroup: ptr.To(snapshotv1.GroupName),
			Kind:     "VolumeSnapshot",
			Name:     spec.Snapshot,
		}
	}
	return pvc
}

// BuildVolumeSnapshot renders a snapshot of sourceClaim.
func BuildVolumeSnapshot(name, namespace, sourceClaim, snapshotClass string) *snapshotv1.VolumeSnapshot {
	return &snapshotv1.VolumeSnapshot{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    map[string]string{constants.LabelManagedBy: constants.ManagerName},
		},
		Spec: snapshotv1.VolumeSnapshotSpec{
			VolumeSnapshotClassName: ptr.To(snapshotClass),
			Source: snapshotv1.VolumeSnapshotSource{
				PersistentVolumeClaimName: ptr.To(sourceClaim),
			},
		},
	}
}
