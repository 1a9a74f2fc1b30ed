package state

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/paguebem/infra/internal/deployerr"
)

const (
	lockIDAttribute    = "LockID"
	lockOwnerAttribute = "Owner"
	lockInfoAttribute  = "Info"
)

type s3Backend struct {
	s3Client  s3iface.S3API
	dynamo    dynamodbiface.DynamoDBAPI
	bucket    string
	key       string
	lockTable string
}

// NewS3Backend stores state as an S3 object and locks it with a conditional
// put into a DynamoDB table whose hash key is "LockID".
func NewS3Backend(s3Client s3iface.S3API, dynamo dynamodbiface.DynamoDBAPI, bucket, key, lockTable string) Backend {
	return &s3Backend{
		s3Client:  s3Client,
		dynamo:    dynamo,
		bucket:    bucket,
		key:       key,
		lockTable: lockTable,
	}
}

func (b *s3Backend) Key() string { return b.key }

func (b *s3Backend) lockID() string {
	return b.bucket + "/" + b.key
}

func (b *s3Backend) Get(ctx context.Context) (*State, error) {
	resp, err := b.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return New(), nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	data, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (b *s3Backend) Put(ctx context.Context, st *State) error {
	st.Serial++
	st.UpdatedAt = time.Now().UTC()
	data, err := encode(st)
	if err != nil {
		return err
	}
	_, err = b.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(b.bucket),
		Key:                  aws.String(b.key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: aws.String(s3.ServerSideEncryptionAes256),
	})
	return err
}

func (b *s3Backend) Lock(ctx context.Context, info *LockInfo) (string, error) {
	_, err := b.dynamo.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.lockTable),
		Item: map[string]*dynamodb.AttributeValue{
			lockIDAttribute:    {S: aws.String(b.lockID())},
			lockOwnerAttribute: {S: aws.String(info.ID)},
			lockInfoAttribute:  {S: aws.String(info.marshal())},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	if err == nil {
		return info.ID, nil
	}

	aerr, ok := err.(awserr.Error)
	if !ok || aerr.Code() != dynamodb.ErrCodeConditionalCheckFailedException {
		return "", fmt.Errorf("unable to acquire state lock: %w", err)
	}

	holder := ""
	out, getErr := b.dynamo.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(b.lockTable),
		Key: map[string]*dynamodb.AttributeValue{
			lockIDAttribute: {S: aws.String(b.lockID())},
		},
		ConsistentRead: aws.Bool(true),
	})
	if getErr == nil && out.Item != nil {
		if v, ok := out.Item[lockInfoAttribute]; ok && v.S != nil {
			holder = unmarshalLockInfo(*v.S).String()
		}
	}
	return "", &deployerr.LockError{Key: b.lockID(), Holder: holder, Err: err}
}

func (b *s3Backend) Unlock(ctx context.Context, id string) error {
	_, err := b.dynamo.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(b.lockTable),
		Key: map[string]*dynamodb.AttributeValue{
			lockIDAttribute: {S: aws.String(b.lockID())},
		},
		ConditionExpression: aws.String("#owner = :owner"),
		ExpressionAttributeNames: map[string]*string{
			"#owner": aws.String(lockOwnerAttribute),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":owner": {S: aws.String(id)},
		},
	})
	if err != nil {
		return fmt.Errorf("unable to release lock %s: %w", id, err)
	}
	return nil
}
