package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// DefaultNamespace is the CloudWatch namespace used when none is configured.
const DefaultNamespace = "DevCtx/Pipeline"

// CloudWatchAPI is the subset of the CloudWatch client the publisher uses.
type CloudWatchAPI interface {
	PutMetricData(
		ctx context.Context,
		params *cloudwatch.PutMetricDataInput,
		optFns ...func(*cloudwatch.Options),
	) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchPublisher sends each data point as a Count metric.
type CloudWatchPublisher struct {
	api       CloudWatchAPI
	namespace string
	now       func() time.Time
}

// NewCloudWatch loads the default AWS configuration and returns a publisher.
func NewCloudWatch(ctx context.Context, namespace, region string) (*CloudWatchPublisher, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewCloudWatchWithAPI(cloudwatch.NewFromConfig(cfg), namespace), nil
}

// NewCloudWatchWithAPI wraps an existing client.
func NewCloudWatchWithAPI(api CloudWatchAPI, namespace string) *CloudWatchPublisher {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &CloudWatchPublisher{api: api, namespace: namespace, now: time.Now}
}

// Publish implements Publisher.
func (p *CloudWatchPublisher) Publish(ctx context.Context, name string, value float64, dim Dimension) error {
	datum := types.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       types.StandardUnitCount,
		Timestamp:  aws.Time(p.now().UTC()),
	}
	if dim.Name != "" {
		datum.Dimensions = []types.Dimension{{Name: aws.String(dim.Name), Value: aws.String(dim.Value)}}
	}

	_, err := p.api.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(p.namespace),
		MetricData: []types.MetricDatum{datum},
	})
	if err != nil {
		return fmt.Errorf("putting metric %s: %w", name, err)
	}
	return nil
}
