package kube

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/Sh00ty/gitops-loop/internal/models"
)

func deployment(namespace, name, image string, replicas int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr(replicas),
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{Name: "sidecar", Image: "envoy:v1.30.0"},
						{Name: name, Image: image},
					},
				},
			},
		},
		Status: appsv1.DeploymentStatus{
			UpdatedReplicas:   replicas,
			AvailableReplicas: replicas,
		},
	}
}

func serviceRevision(seq uint64, tag string, replicas string) models.Revision {
	doc := models.Document{
		Target: models.TargetRef{Kind: models.KindService, Name: "api"},
		Image:  models.ImageRef{Repository: "registry.local/api", Tag: tag},
		Values: map[string]string{
			models.ValueNamespace: "prod",
			models.ValueContainer: "api",
			models.ValueReplicas:  replicas,
		},
	}
	return models.NewRevision(doc, seq, time.Now())
}

func newLive(objects ...runtime.Object) (*Live, *fake.Clientset) {
	clientset := fake.NewClientset(objects...)
	return New(clientset, Config{}, zerolog.Nop()), clientset
}

func TestApplyServicePatchesDeployment(t *testing.T) {
	live, clientset := newLive(deployment("prod", "api", "registry.local/api:v0.9.0", 1))
	ctx := context.Background()
	rev := serviceRevision(3, "v1.0.0", "4")

	require.NoError(t, live.Apply(ctx, rev))

	deploy, err := clientset.AppsV1().Deployments("prod").Get(ctx, "api", metav1.GetOptions{})
	require.NoError(t, err)
	containers := deploy.Spec.Template.Spec.Containers
	assert.Equal(t, "envoy:v1.30.0", containers[0].Image, "other containers are untouched")
	assert.Equal(t, "registry.local/api:v1.0.0", containers[1].Image)
	assert.Equal(t, int32(4), *deploy.Spec.Replicas)
	assert.Equal(t, rev.Hash, deploy.Annotations[AnnotationRevisionHash])
	assert.Equal(t, "3", deploy.Annotations[AnnotationRevision])

	state, err := live.Observe(ctx, rev.Document.Target)
	require.NoError(t, err)
	assert.Equal(t, rev.Hash, state.ReferenceHash)
	assert.Equal(t, rev.Document.Image, state.Image)
	assert.False(t, state.ObservedAt.IsZero())
}

func TestObserveDetectsDrift(t *testing.T) {
	live, clientset := newLive(deployment("prod", "api", "registry.local/api:v0.9.0", 1))
	ctx := context.Background()
	rev := serviceRevision(1, "v1.0.0", "2")
	require.NoError(t, live.Apply(ctx, rev))

	deploy, err := clientset.AppsV1().Deployments("prod").Get(ctx, "api", metav1.GetOptions{})
	require.NoError(t, err)
	deploy.Spec.Template.Spec.Containers[1].Image = "registry.local/api:hotfix"
	_, err = clientset.AppsV1().Deployments("prod").Update(ctx, deploy, metav1.UpdateOptions{})
	require.NoError(t, err)

	state, err := live.Observe(ctx, rev.Document.Target)
	require.NoError(t, err)
	assert.Empty(t, state.ReferenceHash)
	assert.Equal(t, "hotfix", state.Image.Tag)

	require.NoError(t, live.Apply(ctx, rev))
	deploy, err = clientset.AppsV1().Deployments("prod").Get(ctx, "api", metav1.GetOptions{})
	require.NoError(t, err)
	*deploy.Spec.Replicas = 9
	_, err = clientset.AppsV1().Deployments("prod").Update(ctx, deploy, metav1.UpdateOptions{})
	require.NoError(t, err)

	state, err = live.Observe(ctx, rev.Document.Target)
	require.NoError(t, err)
	assert.Empty(t, state.ReferenceHash, "manual scaling is drift")
}

func TestObserveMissingDeployment(t *testing.T) {
	live, _ := newLive()
	_, err := live.Observe(context.Background(), models.TargetRef{Kind: models.KindService, Name: "api"})
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestApplyRejections(t *testing.T) {
	ctx := context.Background()

	live, _ := newLive()
	err := live.Apply(ctx, serviceRevision(1, "v1.0.0", "1"))
	require.ErrorIs(t, err, models.ErrApplyFailure, "missing deployments are not created")

	live, _ = newLive(deployment("prod", "api", "registry.local/api:v0.9.0", 1))
	rev := serviceRevision(1, "v1.0.0", "1")
	rev.Document.Values[models.ValueContainer] = "nope"
	err = live.Apply(ctx, rev)
	require.ErrorIs(t, err, models.ErrApplyFailure)
}

func TestDeploymentHealth(t *testing.T) {
	deploy := deployment("prod", "api", "registry.local/api:v1.0.0", 3)
	assert.Equal(t, models.HealthHealthy, deploymentHealth(deploy))

	deploy.Status.AvailableReplicas = 1
	assert.Equal(t, models.HealthProgressing, deploymentHealth(deploy))

	deploy.Status.Conditions = []appsv1.DeploymentCondition{{
		Type:   appsv1.DeploymentProgressing,
		Status: corev1.ConditionFalse,
		Reason: "ProgressDeadlineExceeded",
	}}
	assert.Equal(t, models.HealthDegraded, deploymentHealth(deploy))
}

func TestApplyScrapeTargetUpsertsConfigMap(t *testing.T) {
	live, clientset := newLive()
	ctx := context.Background()

	target := models.ScrapeTarget{Service: "api", Scope: "prod", Path: "/metrics", Port: 9090}
	rev := models.NewRevision(target.Document(), 1, time.Now())
	require.NoError(t, live.Apply(ctx, rev))

	cm, err := clientset.CoreV1().ConfigMaps("monitoring").Get(ctx, "scrape-api", metav1.GetOptions{})
	require.NoError(t, err)
	assert.JSONEq(t,
		`[{"targets":["api.prod.svc:9090"],"labels":{"__metrics_path__":"/metrics","job":"api","namespace":"prod"}}]`,
		cm.Data[ScrapeArtifactKey],
	)
	assert.Equal(t, managerName, cm.Labels[LabelManagedBy])

	state, err := live.Observe(ctx, rev.Document.Target)
	require.NoError(t, err)
	assert.Equal(t, rev.Hash, state.ReferenceHash)

	disabled := models.NewRevision(models.ScrapeTarget{Service: "api", Disabled: true}.Document(), 2, time.Now())
	require.NoError(t, live.Apply(ctx, disabled))
	cm, err = clientset.CoreV1().ConfigMaps("monitoring").Get(ctx, "scrape-api", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "[]", cm.Data[ScrapeArtifactKey])

	cm.Data[ScrapeArtifactKey] = `[{"targets":["evil:1"]}]`
	_, err = clientset.CoreV1().ConfigMaps("monitoring").Update(ctx, cm, metav1.UpdateOptions{})
	require.NoError(t, err)
	state, err = live.Observe(ctx, rev.Document.Target)
	require.NoError(t, err)
	assert.Empty(t, state.ReferenceHash)
}
