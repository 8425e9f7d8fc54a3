package controller

import (
	"os"
	"path/filepath"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/cuemby/runfleet/pkg/types"
)

// Pod labels
const (
	LabelRun        = "galasa-run"
	LabelController = "galasa-engine-controller"
)

const (
	// EncryptionKeysPathEnv names the environment variable carrying the
	// location of the encryption keys file inside the engine container
	EncryptionKeysPathEnv = "ENCRYPTION_KEYS_PATH"

	// DefaultEncryptionKeysPath applies when EncryptionKeysPathEnv is unset
	DefaultEncryptionKeysPath = "/encryption/encryption-keys.yaml"

	engineContainer    = "engine"
	encryptionKeysName = "encryption-keys"
	nodeArchSelector   = "kubernetes.io/arch"
)

// EncryptionKeysPath resolves the keys path from the environment
func EncryptionKeysPath() string {
	if p := strings.TrimSpace(os.Getenv(EncryptionKeysPathEnv)); p != "" {
		return p
	}
	return DefaultEncryptionKeysPath
}

// PodName returns the managed pod name for a run
func PodName(engineLabel, runName string) string {
	return engineLabel + "-" + strings.ToLower(runName)
}

// Selector returns the label selector matching every pod owned by a
// controller with the given engine label.
func Selector(engineLabel string) string {
	return LabelController + "=" + engineLabel
}

// BuildEnginePod renders the engine pod for a run. The result depends only
// on its arguments.
func BuildEnginePod(settings *types.ControllerSettings, run *types.Run, keysPath string) *corev1.Pod {
	if keysPath == "" {
		keysPath = DefaultEncryptionKeysPath
	}

	args := []string{
		"-jar", "boot.jar",
		"--obr", "file:galasa.obr",
		"--bootstrap", settings.BootstrapURL,
		"--run", run.Name,
	}
	if run.Trace {
		args = append(args, "--trace")
	}

	container := corev1.Container{
		Name:    engineContainer,
		Image:   settings.EngineImage,
		Command: []string{"java"},
		Args:    args,
		Env: []corev1.EnvVar{
			{Name: EncryptionKeysPathEnv, Value: keysPath},
		},
		Resources: engineResources(settings),
	}

	pod := &corev1.Pod{
		TypeMeta: metav1.TypeMeta{
			APIVersion: "v1",
			Kind:       "Pod",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      PodName(settings.EngineLabel, run.Name),
			Namespace: settings.Namespace,
			Labels: map[string]string{
				LabelRun:        run.Name,
				LabelController: settings.EngineLabel,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
		},
	}

	if settings.NodeArch != "" {
		pod.Spec.NodeSelector = map[string]string{nodeArchSelector: settings.NodeArch}
	}

	if settings.EncryptionKeysSecretName != "" {
		pod.Spec.Volumes = []corev1.Volume{{
			Name: encryptionKeysName,
			VolumeSource: corev1.VolumeSource{
				Secret: &corev1.SecretVolumeSource{SecretName: settings.EncryptionKeysSecretName},
			},
		}}
		container.VolumeMounts = []corev1.VolumeMount{{
			Name:      encryptionKeysName,
			MountPath: filepath.Dir(keysPath),
			ReadOnly:  true,
		}}
	}

	pod.Spec.Containers = []corev1.Container{container}
	return pod
}

// engineResources converts the configured quantities. Values were validated
// when the settings were parsed.
func engineResources(settings *types.ControllerSettings) corev1.ResourceRequirements {
	var req corev1.ResourceRequirements

	set := func(list *corev1.ResourceList, name corev1.ResourceName, value string) {
		if value == "" {
			return
		}
		q, err := resource.ParseQuantity(value)
		if err != nil {
			return
		}
		if *list == nil {
			*list = corev1.ResourceList{}
		}
		(*list)[name] = q
	}

	set(&req.Requests, corev1.ResourceCPU, settings.EngineCPURequest)
	set(&req.Requests, corev1.ResourceMemory, settings.EngineMemoryRequest)
	set(&req.Limits, corev1.ResourceCPU, settings.EngineCPULimit)
	set(&req.Limits, corev1.ResourceMemory, settings.EngineMemoryLimit)
	return req
}
