package metrics

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"marketflow/logger"
)

// CloudWatchConfig configures the CloudWatch publisher. Empty credentials
// fall back to the default AWS credential chain.
type CloudWatchConfig struct {
	Region          string
	Namespace       string
	AccessKeyID     string
	SecretAccessKey string
	// MinInterval throttles publishing of one metric name per component.
	MinInterval time.Duration
}

type putMetricDataAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatch publishes numeric metrics with PutMetricData.
type CloudWatch struct {
	client    putMetricDataAPI
	namespace string
	interval  time.Duration

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewCloudWatch loads the AWS configuration and builds the publisher.
func NewCloudWatch(ctx context.Context, cfg CloudWatchConfig) (*CloudWatch, error) {
	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}

	cw := newCloudWatch(cloudwatch.NewFromConfig(awsCfg), cfg)
	logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{
		"region":    awsCfg.Region,
		"namespace": cw.namespace,
	}).Info("initialized CloudWatch client")
	return cw, nil
}

func newCloudWatch(client putMetricDataAPI, cfg CloudWatchConfig) *CloudWatch {
	ns := cfg.Namespace
	if ns == "" {
		ns = "MarketFlow"
	}
	return &CloudWatch{
		client:    client,
		namespace: ns,
		interval:  cfg.MinInterval,
		last:      make(map[string]time.Time),
		now:       time.Now,
	}
}

// Handle is a MetricHandler. Non numeric values are skipped.
func (cw *CloudWatch) Handle(m Metric) {
	value, ok := toFloat64(m.Value)
	if !ok {
		return
	}
	if !cw.due(m.Component + "/" + m.Name) {
		return
	}

	unit := cwtypes.StandardUnitCount
	if raw, ok := m.Fields["unit"].(string); ok {
		unit = unitFromString(raw)
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(m.Component)}}
	for k, v := range m.Fields {
		if k == "unit" {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cw.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(cw.namespace),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: aws.String(m.Name),
			Dimensions: dims,
			Unit:       unit,
			Value:      aws.Float64(value),
			Timestamp:  aws.Time(m.Timestamp),
		}},
	}); err != nil {
		logger.GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to publish CloudWatch metric")
	}
}

func (cw *CloudWatch) due(key string) bool {
	if cw.interval <= 0 {
		return true
	}
	cw.mu.Lock()
	defer cw.mu.Unlock()
	now := cw.now()
	if last, ok := cw.last[key]; ok && now.Sub(last) < cw.interval {
		return false
	}
	cw.last[key] = now
	return true
}

func unitFromString(unit string) cwtypes.StandardUnit {
	switch strings.ToLower(unit) {
	case "percent":
		return cwtypes.StandardUnitPercent
	case "seconds":
		return cwtypes.StandardUnitSeconds
	case "milliseconds":
		return cwtypes.StandardUnitMilliseconds
	case "bytes":
		return cwtypes.StandardUnitBytes
	default:
		return cwtypes.StandardUnitCount
	}
}
