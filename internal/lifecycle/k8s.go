package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"strconv"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/workspacecore/workspacecore/internal/types"
)

const (
	k8sLabelManagedBy   = "managed-by"
	k8sLabelValue       = "workspacecore"
	k8sLabelWorkspace   = "workspace"
	k8sLabelConvID      = "workspace.conversation_id"
	k8sLabelCreatedAt   = "workspace.created_at"
	k8sSandboxNameHash  = "agents.x-k8s.io/sandbox-name-hash"
	k8sAgentContainer   = "agent"
	k8sProxyContainer   = "credential-proxy"
	k8sPollInterval     = 2 * time.Second
	k8sPollTimeout      = 5 * time.Minute
)

// K8sLifecycle implements Lifecycle against a Kubernetes cluster running the
// sigs.k8s.io/agent-sandbox controller: a per-conversation sandbox pod
// carrying its own dedicated credential-proxy sidecar and a pod-scoped
// egress NetworkPolicy, rather than a namespace-wide one.
type K8sLifecycle struct {
	cfg       K8sConfig
	restCfg   *rest.Config
	k8s       client.Client
	clientset kubernetes.Interface
	log       zerolog.Logger
}

var _ Lifecycle = (*K8sLifecycle)(nil)

// NewK8sLifecycle builds a K8sLifecycle from in-cluster or KUBECONFIG config.
func NewK8sLifecycle(cfg K8sConfig, log zerolog.Logger) (*K8sLifecycle, error) {
	restCfg, err := buildRESTConfig()
	if err != nil {
		return nil, fmt.Errorf("k8s config: %w", err)
	}

	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(sandboxv1alpha1.AddToScheme(scheme))

	k8sClient, err := client.New(restCfg, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("controller-runtime client: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes clientset: %w", err)
	}

	return &K8sLifecycle{
		cfg:       cfg,
		restCfg:   restCfg,
		k8s:       k8sClient,
		clientset: clientset,
		log:       log.With().Str("component", "lifecycle.k8s").Logger(),
	}, nil
}

func buildRESTConfig() (*rest.Config, error) {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		return cfg, nil
	}
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		kubeconfig = os.Getenv("HOME") + "/.kube/config"
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

func sandboxName(sandboxID string) string {
	return "workspace-" + shortK8sID(sandboxID)
}

func shortK8sID(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}

func nameHash(name string) string {
	h := fnv.New32a()
	h.Write([]byte(name))
	return fmt.Sprintf("%08x", h.Sum32())
}

// Create builds (but does not yet schedule workload onto) a Sandbox CR: a
// read-only-rootfs agent container plus a credential-proxy sidecar sharing
// an emptyDir volume that carries the proxy's Unix socket, with all
// capabilities dropped and, when NetworkMode is restricted or disabled and
// network policies are enabled, a pod-scoped egress NetworkPolicy: DNS only
// for disabled, DNS plus the internet minus the configured deny CIDRs for
// restricted (see buildPodNetworkPolicy).
func (l *K8sLifecycle) Create(ctx context.Context, opts CreateOptions) (types.SandboxInfo, error) {
	id := generateSandboxID()
	name := sandboxName(id)
	now := time.Now()
	ns := l.cfg.Namespace

	labels := map[string]string{
		k8sLabelManagedBy: k8sLabelValue,
		k8sLabelWorkspace: "true",
		k8sLabelCreatedAt: strconv.FormatInt(now.UnixNano(), 10),
	}
	if opts.ConversationID != "" {
		labels[k8sLabelConvID] = opts.ConversationID
	}

	memBytes := opts.MemoryLimit
	if memBytes == 0 {
		memBytes = l.cfg.MemoryBytes
	}
	cpuMillis := l.cfg.CPUMillicores
	pidsLimit := opts.PidsLimit
	if pidsLimit == 0 {
		pidsLimit = l.cfg.PidsLimit
	}

	socketVolume := corev1.Volume{
		Name:         "proxy-socket",
		VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
	}
	socketMount := corev1.VolumeMount{Name: "proxy-socket", MountPath: "/var/run/workspacecore/proxy"}

	agentContainer := corev1.Container{
		Name:    k8sAgentContainer,
		Image:   l.cfg.Image,
		Env:     []corev1.EnvVar{{Name: "HTTP_PROXY", Value: "unix:///var/run/workspacecore/proxy/egress.sock"}},
		Ports:   []corev1.ContainerPort{{ContainerPort: int32(l.cfg.AgentPort), Protocol: corev1.ProtocolTCP}},
		Resources: corev1.ResourceRequirements{
			Limits: corev1.ResourceList{
				corev1.ResourceMemory: *resource.NewQuantity(memBytes, resource.BinarySI),
				corev1.ResourceCPU:    *resource.NewMilliQuantity(int64(cpuMillis), resource.DecimalSI),
			},
		},
		VolumeMounts: []corev1.VolumeMount{socketMount},
		SecurityContext: &corev1.SecurityContext{
			ReadOnlyRootFilesystem:   boolPtr(true),
			AllowPrivilegeEscalation: boolPtr(false),
			Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
		},
	}

	proxyContainer := corev1.Container{
		Name:         k8sProxyContainer,
		Image:        l.cfg.Image, // the proxy binary is baked into the same image, invoked via a distinct entrypoint
		Command:      []string{"workspacecore", "proxy-sidecar"},
		VolumeMounts: []corev1.VolumeMount{socketMount},
		SecurityContext: &corev1.SecurityContext{
			AllowPrivilegeEscalation: boolPtr(false),
			Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
		},
	}

	storageSize := resource.MustParse(l.cfg.SessionStorageSize)
	vcts := []sandboxv1alpha1.PersistentVolumeClaimTemplate{{
		EmbeddedObjectMetadata: sandboxv1alpha1.EmbeddedObjectMetadata{Name: "workspace-data"},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: storageSize},
			},
		},
	}}
	if l.cfg.StorageClassName != "" {
		vcts[0].Spec.StorageClassName = &l.cfg.StorageClassName
	}

	sb := &sandboxv1alpha1.Sandbox{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Labels: labels},
		Spec: sandboxv1alpha1.SandboxSpec{
			VolumeClaimTemplates: vcts,
			PodTemplate: sandboxv1alpha1.PodTemplate{
				ObjectMeta: sandboxv1alpha1.PodMetadata{Labels: labels},
				Spec: corev1.PodSpec{
					Containers:       []corev1.Container{agentContainer, proxyContainer},
					Volumes:          []corev1.Volume{socketVolume},
					RuntimeClassName: l.runtimeClassName(),
					RestartPolicy:    corev1.RestartPolicyNever,
				},
			},
		},
	}

	if err := l.k8s.Create(ctx, sb); err != nil {
		return types.SandboxInfo{}, fmt.Errorf("create sandbox CR: %w", err)
	}

	if (opts.NetworkMode == NetworkRestricted || opts.NetworkMode == NetworkDisabled) && l.cfg.NetworkPolicy.Enabled {
		if err := l.applyPodNetworkPolicy(ctx, ns, name, labels, opts.NetworkMode); err != nil {
			l.log.Warn().Err(err).Str("sandbox", name).Msg("failed to apply pod-scoped network policy")
		}
	}

	return types.SandboxInfo{
		SandboxID:      name,
		ConversationID: opts.ConversationID,
		AgentEndpoint:  types.Endpoint{Scheme: "http", URL: fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", name, ns, l.cfg.AgentPort)},
		ProxyEndpoint:  types.Endpoint{Scheme: "unix", Socket: "/var/run/workspacecore/proxy/admin.sock"},
		CreatedAt:      now,
		LastActiveAt:   now,
		Status:         types.StatusWarm,
		ManagerType:    types.ManagerK8s,
	}, nil
}

// Start is a no-op for the Sandbox CR backend: the pod is scheduled by the
// controller as soon as Create returns; WaitReady is what actually blocks
// until it is reachable.
func (l *K8sLifecycle) Start(ctx context.Context, info types.SandboxInfo) error {
	return nil
}

// WaitReady polls the Sandbox CR's Ready condition and, once set, confirms
// the backing pod has entered Running.
func (l *K8sLifecycle) WaitReady(ctx context.Context, info types.SandboxInfo) error {
	deadline := time.Now().Add(k8sPollTimeout)
	hash := nameHash(info.SandboxID)

	for time.Now().Before(deadline) {
		var sb sandboxv1alpha1.Sandbox
		key := client.ObjectKey{Namespace: l.cfg.Namespace, Name: info.SandboxID}
		if err := l.k8s.Get(ctx, key, &sb); err == nil && isSandboxReady(&sb) {
			pods, err := l.clientset.CoreV1().Pods(l.cfg.Namespace).List(ctx, metav1.ListOptions{
				LabelSelector: k8sSandboxNameHash + "=" + hash,
			})
			if err == nil {
				for _, pod := range pods.Items {
					if pod.Status.Phase == corev1.PodRunning {
						return nil
					}
				}
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("sandbox %s did not become ready: %w", info.SandboxID, ctx.Err())
		case <-time.After(k8sPollInterval):
		}
	}
	return fmt.Errorf("timed out waiting for sandbox %s", info.SandboxID)
}

func isSandboxReady(sb *sandboxv1alpha1.Sandbox) bool {
	for _, c := range sb.Status.Conditions {
		if c.Type == string(sandboxv1alpha1.SandboxConditionReady) && c.Status == metav1.ConditionTrue {
			return true
		}
	}
	return false
}

// Destroy deletes the Sandbox CR; the controller cascades pod and volume
// teardown. Kubernetes' own termination grace period plays the role of the
// SIGTERM-then-force-remove step the Docker backend performs explicitly.
func (l *K8sLifecycle) Destroy(ctx context.Context, info types.SandboxInfo) error {
	sb := &sandboxv1alpha1.Sandbox{
		ObjectMeta: metav1.ObjectMeta{Name: info.SandboxID, Namespace: l.cfg.Namespace},
	}
	if err := l.k8s.Delete(ctx, sb); err != nil {
		l.log.Warn().Err(err).Str("sandbox_id", info.SandboxID).Msg("sandbox CR delete failed")
	}
	return nil
}

// List enumerates Sandbox CRs carrying the workspace label, independent of
// registry state, used by GC orphan reap and startup reconciliation.
func (l *K8sLifecycle) List(ctx context.Context) ([]types.SandboxInfo, error) {
	var list sandboxv1alpha1.SandboxList
	if err := l.k8s.List(ctx, &list,
		client.InNamespace(l.cfg.Namespace),
		client.MatchingLabels{k8sLabelWorkspace: "true"},
	); err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	out := make([]types.SandboxInfo, 0, len(list.Items))
	for _, sb := range list.Items {
		createdNS, _ := strconv.ParseInt(sb.Labels[k8sLabelCreatedAt], 10, 64)
		created := time.Unix(0, createdNS)
		out = append(out, types.SandboxInfo{
			SandboxID:      sb.Name,
			ConversationID: sb.Labels[k8sLabelConvID],
			CreatedAt:      created,
			LastActiveAt:   created,
			Status:         types.StatusRunning,
			ManagerType:    types.ManagerK8s,
		})
	}
	return out, nil
}

// Logs fetches the last tailLines of the agent container's stdout/stderr.
func (l *K8sLifecycle) Logs(ctx context.Context, info types.SandboxInfo, tailLines int) (string, error) {
	podName, err := l.resolvePodName(ctx, info.SandboxID)
	if err != nil {
		return "", err
	}
	tail := int64(tailLines)
	req := l.clientset.CoreV1().Pods(l.cfg.Namespace).GetLogs(podName, &corev1.PodLogOptions{
		Container: k8sAgentContainer,
		TailLines: &tail,
	})
	rc, err := req.Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("pod logs: %w", err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return "", fmt.Errorf("read logs: %w", err)
	}
	return buf.String(), nil
}

// HealthCheck is the Creator-facing probe the warm pool uses to validate a
// popped sandbox before handing it to a conversation.
func (l *K8sLifecycle) HealthCheck(ctx context.Context, info types.SandboxInfo) error {
	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return l.WaitReady(checkCtx, info)
}

// CreateWarm builds and waits for a fully-booted, unbound sandbox — the
// warmpool.Creator capability.
func (l *K8sLifecycle) CreateWarm(ctx context.Context) (types.SandboxInfo, error) {
	info, err := l.Create(ctx, CreateOptions{NetworkMode: NetworkRestricted})
	if err != nil {
		return types.SandboxInfo{}, err
	}
	if err := l.WaitReady(ctx, info); err != nil {
		l.Destroy(ctx, info)
		return types.SandboxInfo{}, err
	}
	return info, nil
}

func (l *K8sLifecycle) resolvePodName(ctx context.Context, sandboxID string) (string, error) {
	hash := nameHash(sandboxID)
	pods, err := l.clientset.CoreV1().Pods(l.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: k8sSandboxNameHash + "=" + hash,
	})
	if err != nil {
		return "", fmt.Errorf("resolve pod for sandbox %s: %w", sandboxID, err)
	}
	for _, pod := range pods.Items {
		return pod.Name, nil
	}
	return "", fmt.Errorf("no pod found for sandbox %s", sandboxID)
}

func (l *K8sLifecycle) runtimeClassName() *string {
	if l.cfg.RuntimeClassName == "" {
		return nil
	}
	return &l.cfg.RuntimeClassName
}

func (l *K8sLifecycle) Close() error { return nil }

func boolPtr(b bool) *bool { return &b }

func generateSandboxID() string {
	return uuid.NewString()
}
