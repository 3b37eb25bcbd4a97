package lifecycle

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

// applyPodNetworkPolicy restricts one sandbox pod's egress to DNS plus,
// when NetworkRestricted, the open internet minus any configured deny
// CIDRs (the credential proxy enforces the real host allow-list; this
// policy only needs to keep non-proxy traffic off the wire). NetworkDisabled
// pods get no internet egress rule at all. The policy is scoped by pod
// selector to a single sandbox, since sandboxes here share one namespace
// per Lifecycle backend rather than getting one namespace each.
func (l *K8sLifecycle) applyPodNetworkPolicy(ctx context.Context, namespace, name string, podLabels map[string]string, mode NetworkMode) error {
	np := buildPodNetworkPolicy(namespace, name, podLabels, l.cfg.NetworkPolicy.DenyCIDRs, mode)

	_, err := l.clientset.NetworkingV1().NetworkPolicies(namespace).Get(ctx, np.Name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = l.clientset.NetworkingV1().NetworkPolicies(namespace).Create(ctx, np, metav1.CreateOptions{})
		if err != nil {
			return fmt.Errorf("create sandbox network policy: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("get sandbox network policy: %w", err)
	}
	if _, err := l.clientset.NetworkingV1().NetworkPolicies(namespace).Update(ctx, np, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update sandbox network policy: %w", err)
	}
	return nil
}

func buildPodNetworkPolicy(namespace, name string, podLabels map[string]string, denyCIDRs []string, mode NetworkMode) *networkingv1.NetworkPolicy {
	dnsPort := intstr.FromInt32(53)
	protoUDP := corev1.ProtocolUDP
	protoTCP := corev1.ProtocolTCP

	egress := []networkingv1.NetworkPolicyEgressRule{
		{
			To: []networkingv1.NetworkPolicyPeer{{
				NamespaceSelector: &metav1.LabelSelector{
					MatchLabels: map[string]string{"kubernetes.io/metadata.name": "kube-system"},
				},
			}},
			Ports: []networkingv1.NetworkPolicyPort{
				{Protocol: &protoUDP, Port: &dnsPort},
				{Protocol: &protoTCP, Port: &dnsPort},
			},
		},
	}

	if mode == NetworkRestricted {
		rule := networkingv1.NetworkPolicyEgressRule{
			To: []networkingv1.NetworkPolicyPeer{{
				IPBlock: &networkingv1.IPBlock{CIDR: "0.0.0.0/0", Except: denyCIDRs},
			}},
		}
		egress = append(egress, rule)
	}
	// NetworkDisabled: no further egress rule — only DNS and in-pod
	// traffic (the emptyDir proxy socket is not network traffic) pass.

	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name + "-egress",
			Namespace: namespace,
			Labels:    map[string]string{k8sLabelManagedBy: k8sLabelValue},
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{MatchLabels: podLabels},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
			Egress:      egress,
		},
	}
}
