package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"
)

// AgentContainerName is the container inside an agent pod that runs tmux.
const AgentContainerName = "agent"

// K8sExecutor runs commands in agent pods through the pods/exec subresource.
type K8sExecutor struct {
	clientset kubernetes.Interface
	config    *rest.Config
	namespace string
}

// NewK8sExecutor creates a K8sExecutor for pods in namespace, trying
// in-cluster config first, then falling back to kubeconfig.
func NewK8sExecutor(namespace string) (*K8sExecutor, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		// Fall back to kubeconfig.
		kubeconfigPath := os.Getenv("KUBECONFIG")
		if kubeconfigPath == "" {
			home, _ := os.UserHomeDir()
			kubeconfigPath = filepath.Join(home, ".kube", "config")
		}
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
		if err != nil {
			return nil, fmt.Errorf("creating k8s config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("creating k8s clientset: %w", err)
	}

	return &K8sExecutor{clientset: clientset, config: config, namespace: namespace}, nil
}

func agentSelector(teamID, agentID string) string {
	return LabelTeam + "=" + teamID + "," + LabelAgent + "=" + agentID
}

// findPod returns the name of the agent's running pod.
func (k *K8sExecutor) findPod(ctx context.Context, teamID, agentID string) (string, error) {
	pods, err := k.clientset.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: agentSelector(teamID, agentID),
	})
	if err != nil {
		return "", fmt.Errorf("listing pods: %w", err)
	}
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodRunning && pod.DeletionTimestamp == nil {
			return pod.Name, nil
		}
	}
	return "", ErrNoContainer
}

// Exec runs cmd in the agent container of the agent's pod.
func (k *K8sExecutor) Exec(ctx context.Context, teamID, agentID string, cmd []string, stdin io.Reader) ([]byte, error) {
	podName, err := k.findPod(ctx, teamID, agentID)
	if err != nil {
		return nil, err
	}

	req := k.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(k.namespace).
		Name(podName).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: AgentContainerName,
			Command:   cmd,
			Stdin:     stdin != nil,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(k.config, "POST", req.URL())
	if err != nil {
		return nil, fmt.Errorf("creating executor for pod %s: %w", podName, err)
	}

	var stdout, stderr bytes.Buffer
	err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  stdin,
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		var exitErr utilexec.ExitError
		if errors.As(err, &exitErr) && exitErr.Exited() {
			return nil, &ExitError{Code: exitErr.ExitStatus(), Stderr: strings.TrimSpace(stderr.String())}
		}
		return nil, fmt.Errorf("exec in pod %s: %w", podName, err)
	}
	return stdout.Bytes(), nil
}
