package directory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/securityhub"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/nimburion/findings-scheduler/pkg/observability/logger"
	"github.com/nimburion/findings-scheduler/pkg/workerpool"
)

const (
	defaultPageSize      int32 = 100
	defaultCacheSize           = 512
	defaultUnresolvedTTL       = 15 * time.Minute

	productPrefix      = "product/"
	subscriptionPrefix = "product-subscription/"
	catalogFlightKey   = "catalog"
)

// securityHubAPI is the subset of *securityhub.Client used by the directory.
type securityHubAPI interface {
	ListEnabledProductsForImport(ctx context.Context, params *securityhub.ListEnabledProductsForImportInput, optFns ...func(*securityhub.Options)) (*securityhub.ListEnabledProductsForImportOutput, error)
	DescribeProducts(ctx context.Context, params *securityhub.DescribeProductsInput, optFns ...func(*securityhub.Options)) (*securityhub.DescribeProductsOutput, error)
}

// SecurityHubConfig configures the subscription-backed directory.
type SecurityHubConfig struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	// PageSize is the MaxResults sent to ListEnabledProductsForImport.
	PageSize int32
	// CacheSize bounds the subscription -> product ARN cache.
	CacheSize int
	// Workers bounds concurrent subscription resolutions per page.
	Workers int
	// UnresolvedTTL is how long a subscription missing from the catalog is
	// skipped without reloading the catalog.
	UnresolvedTTL time.Duration
}

func (c *SecurityHubConfig) normalize() {
	if c.PageSize <= 0 || c.PageSize > defaultPageSize {
		c.PageSize = defaultPageSize
	}
	if c.CacheSize <= 0 {
		c.CacheSize = defaultCacheSize
	}
	if c.Workers <= 0 {
		c.Workers = workerpool.DefaultSize
	}
	if c.UnresolvedTTL <= 0 {
		c.UnresolvedTTL = defaultUnresolvedTTL
	}
}

// SecurityHubDirectory lists the product subscriptions enabled for import and
// resolves each one to its product ARN. Subscriptions that cannot be resolved
// are logged and skipped.
type SecurityHubDirectory struct {
	client securityHubAPI
	log    logger.Logger
	config SecurityHubConfig

	resolved   *lru.Cache[string, string]
	unresolved *expirable.LRU[string, struct{}]
	flight     singleflight.Group

	catalogMu sync.RWMutex
	catalog   map[string]string
}

func NewSecurityHubDirectory(ctx context.Context, cfg SecurityHubConfig, log logger.Logger) (*SecurityHubDirectory, error) {
	if cfg.Region == "" {
		return nil, directoryError(ErrInvalidArgument, "security hub region is required")
	}
	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	var opts []func(*securityhub.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *securityhub.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	dir, err := newSecurityHubDirectoryWithClient(securityhub.NewFromConfig(awsCfg, opts...), cfg, log)
	if err != nil {
		return nil, err
	}
	log.Info("security hub directory initialized", "region", cfg.Region, "page_size", dir.config.PageSize)
	return dir, nil
}

func newSecurityHubDirectoryWithClient(client securityHubAPI, cfg SecurityHubConfig, log logger.Logger) (*SecurityHubDirectory, error) {
	if client == nil {
		return nil, directoryError(ErrInvalidArgument, "security hub client is required")
	}
	if log == nil {
		return nil, directoryError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	cache, err := lru.New[string, string](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create subscription cache: %w", err)
	}
	return &SecurityHubDirectory{
		client:     client,
		log:        log,
		config:     cfg,
		resolved:   cache,
		unresolved: expirable.NewLRU[string, struct{}](cfg.CacheSize, nil, cfg.UnresolvedTTL),
	}, nil
}

func (d *SecurityHubDirectory) Name() string { return "securityhub" }

// ListActiveProviders walks ListEnabledProductsForImport with NextToken and
// hands each resolved page to fn.
func (d *SecurityHubDirectory) ListActiveProviders(ctx context.Context, fn PageFunc) error {
	log := d.log.WithContext(ctx)
	refresh := d.catalogRefresher()
	var nextToken *string
	for page := 1; ; page++ {
		out, err := d.client.ListEnabledProductsForImport(ctx, &securityhub.ListEnabledProductsForImportInput{
			MaxResults: aws.Int32(d.config.PageSize),
			NextToken:  nextToken,
		})
		if err != nil {
			return fmt.Errorf("list enabled products page %d: %w", page, err)
		}
		log.Info("fetched product subscriptions page", "page", page, "subscriptions", len(out.ProductSubscriptions))

		if err := fn(d.resolvePage(ctx, log, out.ProductSubscriptions, refresh)); err != nil {
			return err
		}

		nextToken = out.NextToken
		if aws.ToString(nextToken) == "" {
			return nil
		}
	}
}

func (d *SecurityHubDirectory) resolvePage(ctx context.Context, log logger.Logger, subscriptions []string, refresh func(context.Context) error) []string {
	results := workerpool.Map(ctx, subscriptions, workerpool.Options{Size: d.config.Workers},
		func(ctx context.Context, subscriptionARN string) (string, error) {
			return d.resolve(ctx, subscriptionARN, refresh)
		})
	providers := make([]string, 0, len(results))
	for _, result := range results {
		if result.Err != nil {
			log.Error("failed to resolve product subscription",
				"subscription_arn", subscriptions[result.Index],
				"error", result.Err,
			)
			continue
		}
		providers = append(providers, result.Value)
	}
	return providers
}

// resolve maps a subscription ARN to its product ARN through the LRU cache
// and, on a miss, the DescribeProducts catalog. Subscriptions the catalog does
// not know are remembered for UnresolvedTTL.
func (d *SecurityHubDirectory) resolve(ctx context.Context, subscriptionARN string, refresh func(context.Context) error) (string, error) {
	if productARN, ok := d.resolved.Get(subscriptionARN); ok {
		return productARN, nil
	}
	if _, ok := d.unresolved.Get(subscriptionARN); ok {
		return "", directoryError(ErrUnresolved, fmt.Sprintf("no product for subscription %q (cached)", subscriptionARN))
	}
	path, ok := arnResourcePath(subscriptionARN, subscriptionPrefix)
	if !ok {
		return "", directoryError(ErrUnresolved, fmt.Sprintf("malformed subscription arn %q", subscriptionARN))
	}

	productARN, found := d.lookupCatalog(path)
	if !found {
		if err := refresh(ctx); err != nil {
			return "", err
		}
		productARN, found = d.lookupCatalog(path)
	}
	if !found {
		d.unresolved.Add(subscriptionARN, struct{}{})
		return "", directoryError(ErrUnresolved, fmt.Sprintf("no product for subscription %q", subscriptionARN))
	}
	d.resolved.Add(subscriptionARN, productARN)
	return productARN, nil
}

// catalogRefresher returns a reload function that hits DescribeProducts at
// most once for one listing.
func (d *SecurityHubDirectory) catalogRefresher() func(context.Context) error {
	var (
		once sync.Once
		err  error
	)
	return func(ctx context.Context) error {
		once.Do(func() { err = d.refreshCatalog(ctx) })
		return err
	}
}

func (d *SecurityHubDirectory) lookupCatalog(path string) (string, bool) {
	d.catalogMu.RLock()
	defer d.catalogMu.RUnlock()
	productARN, ok := d.catalog[path]
	return productARN, ok
}

// refreshCatalog reloads the product catalog. Concurrent callers share one load.
func (d *SecurityHubDirectory) refreshCatalog(ctx context.Context) error {
	_, err, _ := d.flight.Do(catalogFlightKey, func() (any, error) {
		catalog := map[string]string{}
		var nextToken *string
		for {
			out, err := d.client.DescribeProducts(ctx, &securityhub.DescribeProductsInput{
				MaxResults: aws.Int32(defaultPageSize),
				NextToken:  nextToken,
			})
			if err != nil {
				return nil, fmt.Errorf("describe products: %w", err)
			}
			for _, product := range out.Products {
				productARN := aws.ToString(product.ProductArn)
				if path, ok := arnResourcePath(productARN, productPrefix); ok {
					catalog[path] = productARN
				}
			}
			nextToken = out.NextToken
			if aws.ToString(nextToken) == "" {
				break
			}
		}

		d.catalogMu.Lock()
		d.catalog = catalog
		d.catalogMu.Unlock()
		d.log.Debug("loaded security hub product catalog", "products", len(catalog))
		return nil, nil
	})
	return err
}

// arnResourcePath returns the part of an ARN's resource after prefix,
// e.g. "aws/guardduty" for "...:product/aws/guardduty".
func arnResourcePath(arn, prefix string) (string, bool) {
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) != 6 || parts[0] != "arn" {
		return "", false
	}
	resource := parts[5]
	if !strings.HasPrefix(resource, prefix) {
		return "", false
	}
	path := strings.TrimPrefix(resource, prefix)
	if path == "" {
		return "", false
	}
	return path, true
}
