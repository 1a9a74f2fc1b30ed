// Package awsclient hands out AWS service clients for the deploy account.
package awsclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache/v2"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/credentials/stscreds"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs/cloudwatchlogsiface"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/aws/aws-sdk-go/service/ecr/ecriface"
	"github.com/aws/aws-sdk-go/service/iam"
	"github.com/aws/aws-sdk-go/service/iam/iamiface"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/sts"
	"github.com/aws/aws-sdk-go/service/sts/stsiface"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paguebem/infra/internal/config"
)

type (
	NewClientFunc func(*session.Session) interface{}
)

type ClientType string

const (
	ECRClientType      ClientType = "ecr"
	IAMClientType      ClientType = "iam"
	LambdaClientType   ClientType = "lambda"
	LogsClientType     ClientType = "logs"
	S3ClientType       ClientType = "s3"
	DynamoDBClientType ClientType = "dynamodb"
)

const (
	// assumed role credentials are renewed this long before they expire
	refreshMargin = 10 * time.Minute
	minCacheTTL   = time.Minute
)

func newECRClient(sess *session.Session) interface{} {
	return ecr.New(sess)
}

func newIAMClient(sess *session.Session) interface{} {
	return iam.New(sess)
}

func newLambdaClient(sess *session.Session) interface{} {
	return lambda.New(sess)
}

func newLogsClient(sess *session.Session) interface{} {
	return cloudwatchlogs.New(sess)
}

func newS3Client(sess *session.Session) interface{} {
	return s3.New(sess)
}

func newDynamoDBClient(sess *session.Session) interface{} {
	return dynamodb.New(sess)
}

// Manager caches service clients. When a deploy role is configured every
// client shares one set of AssumeRole credentials that renew themselves, so
// clients held by long running processes keep working past the session
// duration.
type Manager struct {
	region                 string
	roleARN                string
	sessionDuration        int64
	baseSession            *session.Session
	stsClient              stsiface.STSAPI
	roleCreds              *credentials.Credentials
	roleCredsOnce          sync.Once
	clientCache            *ttlcache.Cache
	clientMutexLookup      map[string]*sync.Mutex
	clientMutexLookupMutex sync.Mutex
	logger                 *zap.Logger
}

func NewManager(cfg *config.Config, logger *zap.Logger) (*Manager, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.AWS.AwsAccessKeyID != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			cfg.AWS.AwsAccessKeyID,
			cfg.AWS.AwsSecretAccessKey.Value(),
			"",
		)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create aws session: %w", err)
	}

	clientCacheTTL := time.Duration(cfg.AWS.SessionDuration)*time.Second - refreshMargin
	if clientCacheTTL < minCacheTTL {
		clientCacheTTL = minCacheTTL
	}

	clientCache := ttlcache.NewCache()
	if err := clientCache.SetTTL(clientCacheTTL); err != nil {
		return nil, err
	}

	return &Manager{
		region:            cfg.Region,
		roleARN:           cfg.AWS.AssumeRoleARN,
		sessionDuration:   cfg.AWS.SessionDuration,
		baseSession:       sess,
		stsClient:         sts.New(sess),
		clientCache:       clientCache,
		clientMutexLookup: map[string]*sync.Mutex{},
		logger:            logger,
	}, nil
}

func (m *Manager) Region() string {
	return m.region
}

func (m *Manager) Close() {
	m.clientCache.Close()
}

// roleCredentials returns the deploy role's credentials. The provider calls
// AssumeRole again whenever they are within refreshMargin of expiring.
func (m *Manager) roleCredentials() *credentials.Credentials {
	m.roleCredsOnce.Do(func() {
		roleSessionName := fmt.Sprintf("paguebem-deployer-%s", uuid.New().String())
		m.roleCreds = stscreds.NewCredentialsWithClient(m.stsClient, m.roleARN, func(p *stscreds.AssumeRoleProvider) {
			p.RoleSessionName = roleSessionName
			p.Duration = time.Duration(m.sessionDuration) * time.Second
			p.ExpiryWindow = refreshMargin
		})
		m.logger.Debug("using deploy role",
			zap.String("role_arn", m.roleARN),
			zap.String("session", roleSessionName))
	})
	return m.roleCreds
}

func (m *Manager) getSession(ctx context.Context) (*session.Session, error) {
	if m.roleARN == "" {
		return m.baseSession, nil
	}

	creds := m.roleCredentials()
	// Fail here rather than on the first API call.
	if _, err := creds.Get(); err != nil {
		return nil, fmt.Errorf("unable to assume %s: %w", m.roleARN, err)
	}

	return session.NewSession(&aws.Config{
		Region:      aws.String(m.region),
		Credentials: creds,
	})
}

func (m *Manager) getMutexForClient(cacheKey string) *sync.Mutex {
	m.clientMutexLookupMutex.Lock()
	defer m.clientMutexLookupMutex.Unlock()

	clientMutex, ok := m.clientMutexLookup[cacheKey]
	if !ok {
		clientMutex = &sync.Mutex{}
		m.clientMutexLookup[cacheKey] = clientMutex
	}
	return clientMutex
}

func (m *Manager) getClientFromCache(ctx context.Context, clientType ClientType, newClientFunc NewClientFunc) (interface{}, error) {
	cacheKey := string(clientType) + m.region
	if value, err := m.clientCache.Get(cacheKey); err == nil {
		return value, nil
	}

	clientMutex := m.getMutexForClient(cacheKey)
	clientMutex.Lock()
	defer clientMutex.Unlock()

	// another caller may have filled the entry while we waited
	if value, err := m.clientCache.Get(cacheKey); err == nil {
		return value, nil
	}

	sess, err := m.getSession(ctx)
	if err != nil {
		return nil, err
	}

	newClient := newClientFunc(sess)
	if err := m.clientCache.Set(cacheKey, newClient); err != nil {
		return nil, err
	}
	return newClient, nil
}

func (m *Manager) ECR(ctx context.Context) (ecriface.ECRAPI, error) {
	client, err := m.getClientFromCache(ctx, ECRClientType, newECRClient)
	if err != nil {
		return nil, err
	}
	ecrClient, ok := client.(*ecr.ECR)
	if !ok {
		return nil, fmt.Errorf("unable to type assert client: %v", client)
	}
	return ecrClient, nil
}

func (m *Manager) IAM(ctx context.Context) (iamiface.IAMAPI, error) {
	client, err := m.getClientFromCache(ctx, IAMClientType, newIAMClient)
	if err != nil {
		return nil, err
	}
	iamClient, ok := client.(*iam.IAM)
	if !ok {
		return nil, fmt.Errorf("unable to type assert client: %v", client)
	}
	return iamClient, nil
}

func (m *Manager) Lambda(ctx context.Context) (lambdaiface.LambdaAPI, error) {
	client, err := m.getClientFromCache(ctx, LambdaClientType, newLambdaClient)
	if err != nil {
		return nil, err
	}
	lambdaClient, ok := client.(*lambda.Lambda)
	if !ok {
		return nil, fmt.Errorf("unable to type assert client: %v", client)
	}
	return lambdaClient, nil
}

func (m *Manager) Logs(ctx context.Context) (cloudwatchlogsiface.CloudWatchLogsAPI, error) {
	client, err := m.getClientFromCache(ctx, LogsClientType, newLogsClient)
	if err != nil {
		return nil, err
	}
	logsClient, ok := client.(*cloudwatchlogs.CloudWatchLogs)
	if !ok {
		return nil, fmt.Errorf("unable to type assert client: %v", client)
	}
	return logsClient, nil
}

func (m *Manager) S3(ctx context.Context) (s3iface.S3API, error) {
	client, err := m.getClientFromCache(ctx, S3ClientType, newS3Client)
	if err != nil {
		return nil, err
	}
	s3Client, ok := client.(*s3.S3)
	if !ok {
		return nil, fmt.Errorf("unable to type assert client: %v", client)
	}
	return s3Client, nil
}

func (m *Manager) DynamoDB(ctx context.Context) (dynamodbiface.DynamoDBAPI, error) {
	client, err := m.getClientFromCache(ctx, DynamoDBClientType, newDynamoDBClient)
	if err != nil {
		return nil, err
	}
	dynamoClient, ok := client.(*dynamodb.DynamoDB)
	if !ok {
		return nil, fmt.Errorf("unable to type assert client: %v", client)
	}
	return dynamoClient, nil
}

// AccountID resolves the account the clients act in.
func (m *Manager) AccountID(ctx context.Context) (string, error) {
	sess, err := m.getSession(ctx)
	if err != nil {
		return "", err
	}
	out, err := sts.New(sess).GetCallerIdentityWithContext(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("unable to resolve account id: %w", err)
	}
	return aws.StringValue(out.Account), nil
}
