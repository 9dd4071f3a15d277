package kube

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"

	"github.com/Sh00ty/gitops-loop/internal/models"
)

const (
	AnnotationRevisionHash = "gitops-loop.io/revision-hash"
	AnnotationRevision     = "gitops-loop.io/revision"
	AnnotationImage        = "gitops-loop.io/image"
	AnnotationReplicas     = "gitops-loop.io/replicas"
	AnnotationArtifactHash = "gitops-loop.io/artifact-hash"
	AnnotationContainer    = "gitops-loop.io/container"

	LabelManagedBy    = "app.kubernetes.io/managed-by"
	LabelScrapeTarget = "gitops-loop.io/scrape-target"
	managerName       = "gitops-loop"

	ScrapeArtifactKey = "targets.json"
	scrapePrefix      = "scrape-"
)

type Config struct {
	DefaultNamespace    string
	MonitoringNamespace string
}

func (c Config) withDefaults() Config {
	if c.DefaultNamespace == "" {
		c.DefaultNamespace = "default"
	}
	if c.MonitoringNamespace == "" {
		c.MonitoringNamespace = "monitoring"
	}
	return c
}

// Live drives Deployments for service documents and file_sd ConfigMaps for
// scrape target documents. Every applied object is annotated with the hash of
// the document it runs.
type Live struct {
	client kubernetes.Interface
	cfg    Config
	now    func() time.Time
	log    zerolog.Logger
}

func New(client kubernetes.Interface, cfg Config, logger zerolog.Logger) *Live {
	return &Live{
		client: client,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		log:    logger.With().Str("component", "kube-live").Logger(),
	}
}

func (l *Live) Apply(ctx context.Context, rev models.Revision) error {
	var err error
	switch rev.Document.Target.Kind {
	case models.KindService:
		err = l.applyService(ctx, rev)
	case models.KindScrapeTarget:
		err = l.applyScrapeTarget(ctx, rev)
	default:
		return fmt.Errorf("%w: unsupported target kind %q", models.ErrApplyFailure, rev.Document.Target.Kind)
	}
	if err != nil {
		return classify(err, "apply "+rev.String())
	}
	return nil
}

func (l *Live) Observe(ctx context.Context, target models.TargetRef) (models.LiveObjectState, error) {
	var (
		state models.LiveObjectState
		err   error
	)
	switch target.Kind {
	case models.KindService:
		state, err = l.observeService(ctx, target)
	case models.KindScrapeTarget:
		state, err = l.observeScrapeTarget(ctx, target)
	default:
		return models.LiveObjectState{}, fmt.Errorf("%w: unsupported target kind %q", models.ErrValidation, target.Kind)
	}
	if apierrors.IsNotFound(err) {
		return models.LiveObjectState{}, fmt.Errorf("%w: %s is not deployed", models.ErrNotFound, target)
	}
	if err != nil {
		return models.LiveObjectState{}, classify(err, "observe "+target.String())
	}
	state.Target = target
	state.ObservedAt = l.now()
	return state, nil
}

func (l *Live) namespace(doc models.Document) string {
	return doc.Value(models.ValueNamespace, l.cfg.DefaultNamespace)
}

// applyService patches an existing deployment, creating workloads is out of scope.
func (l *Live) applyService(ctx context.Context, rev models.Revision) error {
	doc := rev.Document
	var replicas *int32
	if r, ok := doc.Values[models.ValueReplicas]; ok {
		n, err := strconv.ParseInt(r, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: bad replicas %q", models.ErrApplyFailure, r)
		}
		replicas = ptr(int32(n))
	}
	deployments := l.client.AppsV1().Deployments(l.namespace(doc))

	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		deploy, err := deployments.Get(ctx, doc.Target.Name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		idx, err := containerIndex(deploy, doc.Value(models.ValueContainer, ""))
		if err != nil {
			return err
		}
		deploy.Spec.Template.Spec.Containers[idx].Image = doc.Image.String()
		if replicas != nil {
			deploy.Spec.Replicas = replicas
		}
		if deploy.Annotations == nil {
			deploy.Annotations = make(map[string]string)
		}
		deploy.Annotations[AnnotationRevisionHash] = rev.Hash
		deploy.Annotations[AnnotationRevision] = strconv.FormatUint(rev.Seq, 10)
		deploy.Annotations[AnnotationImage] = doc.Image.String()
		deploy.Annotations[AnnotationContainer] = deploy.Spec.Template.Spec.Containers[idx].Name
		if deploy.Spec.Replicas != nil {
			deploy.Annotations[AnnotationReplicas] = strconv.Itoa(int(*deploy.Spec.Replicas))
		} else {
			delete(deploy.Annotations, AnnotationReplicas)
		}
		_, err = deployments.Update(ctx, deploy, metav1.UpdateOptions{FieldManager: managerName})
		return err
	})
}

func (l *Live) observeService(ctx context.Context, target models.TargetRef) (models.LiveObjectState, error) {
	deploy, err := l.findDeployment(ctx, target.Name)
	if err != nil {
		return models.LiveObjectState{}, err
	}
	state := models.LiveObjectState{
		ReferenceHash: deploy.Annotations[AnnotationRevisionHash],
		Health:        deploymentHealth(deploy),
	}
	applied := deploy.Annotations[AnnotationImage]
	running := ""
	if idx, err := containerIndex(deploy, deploy.Annotations[AnnotationContainer]); err == nil {
		running = deploy.Spec.Template.Spec.Containers[idx].Image
	}
	if image, err := models.ParseImageRef(running); err == nil {
		state.Image = image
	}

	replicas := ""
	if deploy.Spec.Replicas != nil {
		replicas = strconv.Itoa(int(*deploy.Spec.Replicas))
	}
	if applied == "" || running != applied || replicas != deploy.Annotations[AnnotationReplicas] {
		// changed behind our back
		state.ReferenceHash = ""
	}
	return state, nil
}

// findDeployment looks the deployment up in the namespaces it may be applied to.
func (l *Live) findDeployment(ctx context.Context, name string) (*appsv1.Deployment, error) {
	list, err := l.client.AppsV1().Deployments(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: "metadata.name=" + name,
	})
	if err != nil {
		return nil, err
	}
	var found *appsv1.Deployment
	for i := range list.Items {
		deploy := &list.Items[i]
		if deploy.Name != name {
			continue
		}
		if _, managed := deploy.Annotations[AnnotationRevisionHash]; managed {
			return deploy, nil
		}
		if found == nil {
			found = deploy
		}
	}
	if found == nil {
		return nil, apierrors.NewNotFound(appsv1.Resource("deployments"), name)
	}
	return found, nil
}

func (l *Live) applyScrapeTarget(ctx context.Context, rev models.Revision) error {
	target, err := models.ScrapeTargetFromDocument(rev.Document)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrApplyFailure, err)
	}
	artifact := string(target.Artifact())
	annotations := map[string]string{
		AnnotationRevisionHash: rev.Hash,
		AnnotationRevision:     strconv.FormatUint(rev.Seq, 10),
		AnnotationArtifactHash: models.ContentHash([]byte(artifact)),
	}
	configMaps := l.client.CoreV1().ConfigMaps(l.cfg.MonitoringNamespace)
	name := scrapePrefix + rev.Document.Target.Name

	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		cm, err := configMaps.Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			_, err = configMaps.Create(ctx, &corev1.ConfigMap{
				ObjectMeta: metav1.ObjectMeta{
					Name:        name,
					Namespace:   l.cfg.MonitoringNamespace,
					Annotations: annotations,
					Labels: map[string]string{
						LabelManagedBy:    managerName,
						LabelScrapeTarget: "true",
					},
				},
				Data: map[string]string{ScrapeArtifactKey: artifact},
			}, metav1.CreateOptions{FieldManager: managerName})
			return err
		}
		if err != nil {
			return err
		}
		if cm.Annotations == nil {
			cm.Annotations = make(map[string]string)
		}
		for k, v := range annotations {
			cm.Annotations[k] = v
		}
		if cm.Data == nil {
			cm.Data = make(map[string]string)
		}
		cm.Data[ScrapeArtifactKey] = artifact
		_, err = configMaps.Update(ctx, cm, metav1.UpdateOptions{FieldManager: managerName})
		return err
	})
}

func (l *Live) observeScrapeTarget(ctx context.Context, target models.TargetRef) (models.LiveObjectState, error) {
	cm, err := l.client.CoreV1().ConfigMaps(l.cfg.MonitoringNamespace).Get(ctx, scrapePrefix+target.Name, metav1.GetOptions{})
	if err != nil {
		return models.LiveObjectState{}, err
	}
	state := models.LiveObjectState{
		ReferenceHash: cm.Annotations[AnnotationRevisionHash],
		Health:        models.HealthHealthy,
	}
	artifact, ok := cm.Data[ScrapeArtifactKey]
	if !ok || models.ContentHash([]byte(artifact)) != cm.Annotations[AnnotationArtifactHash] {
		state.ReferenceHash = ""
		state.Health = models.HealthDegraded
	}
	return state, nil
}

func containerIndex(deploy *appsv1.Deployment, name string) (int, error) {
	containers := deploy.Spec.Template.Spec.Containers
	if len(containers) == 0 {
		return 0, fmt.Errorf("%w: deployment %s has no containers", models.ErrApplyFailure, deploy.Name)
	}
	if name == "" {
		return 0, nil
	}
	for i, c := range containers {
		if c.Name == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: deployment %s has no container %q", models.ErrApplyFailure, deploy.Name, name)
}

func deploymentHealth(deploy *appsv1.Deployment) models.Health {
	for _, cond := range deploy.Status.Conditions {
		if cond.Type == appsv1.DeploymentProgressing &&
			cond.Status == corev1.ConditionFalse &&
			cond.Reason == "ProgressDeadlineExceeded" {
			return models.HealthDegraded
		}
	}
	desired := int32(1)
	if deploy.Spec.Replicas != nil {
		desired = *deploy.Spec.Replicas
	}
	if deploy.Status.ObservedGeneration < deploy.Generation {
		return models.HealthProgressing
	}
	if deploy.Status.UpdatedReplicas < desired || deploy.Status.AvailableReplicas < desired {
		return models.HealthProgressing
	}
	return models.HealthHealthy
}

// classify splits errors into rejections, which are never retried, and transient failures.
func classify(err error, op string) error {
	if errors.Is(err, models.ErrApplyFailure) || errors.Is(err, models.ErrValidation) {
		return err
	}
	switch {
	case apierrors.IsNotFound(err),
		apierrors.IsInvalid(err),
		apierrors.IsBadRequest(err),
		apierrors.IsForbidden(err),
		apierrors.IsUnauthorized(err),
		apierrors.IsMethodNotSupported(err):
		return fmt.Errorf("%w: %s: %v", models.ErrApplyFailure, op, err)
	}
	return fmt.Errorf("%w: %s: %v", models.ErrTransientIO, op, err)
}

func ptr[T any](v T) *T {
	return &v
}
