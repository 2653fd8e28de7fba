// Package objectstore is the S3-compatible object-store client:
// per-user-prefixed CRUD, content-addressed file dedup, and device/batch
// discovery via CommonPrefixes.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

// API is the subset of *s3.Client the object-store client depends on,
// letting tests substitute an in-memory fake without a network-backed S3.
type API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, opts ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// Client is the per-user S3-compatible storage client.
type Client struct {
	api    API
	bucket string
	userID string
	log    *logrus.Entry
}

// New builds a Client scoped to bucket and userID (every key is prefixed
// {userID}/...).
func New(api API, bucket, userID string, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{api: api, bucket: bucket, userID: userID, log: log.WithField("component", "objectstore")}
}

func (c *Client) key(parts ...string) string {
	return c.userID + "/" + strings.Join(parts, "/")
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nf *types.NoSuchKey
	if errors.As(err, &nf) {
		return true
	}
	var nsb *types.NotFound
	return errors.As(err, &nsb)
}

// EnsureBucket creates the bucket if absent. Idempotent.
func (c *Client) EnsureBucket(ctx context.Context) error {
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err == nil {
		return nil
	}
	if _, err := c.api.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return fmt.Errorf("objectstore: create bucket: %w", err)
	}
	c.log.WithField("bucket", c.bucket).Info("created sync bucket")
	return nil
}

// --- DEK storage (reserved for a future key-wrapping scheme; unused by the sync protocol) ---

func (c *Client) UploadDEK(ctx context.Context, encryptedDEK []byte) error {
	return c.put(ctx, c.key("dek.enc"), encryptedDEK)
}

func (c *Client) DownloadDEK(ctx context.Context) ([]byte, bool, error) {
	return c.get(ctx, c.key("dek.enc"))
}

func (c *Client) DEKExists(ctx context.Context) (bool, error) {
	return c.exists(ctx, c.key("dek.enc"))
}

// --- Changelog batches ---

// UploadChangelogBatch PUTs a changelog batch under changelog/{deviceID}/{batchID}.enc.
func (c *Client) UploadChangelogBatch(ctx context.Context, deviceID, batchID string, data []byte) error {
	return c.put(ctx, c.key("changelog", deviceID, batchID+".enc"), data)
}

// ListChangelogBatches returns every batch id for deviceID, sorted; batch
// ids begin with the zero-padded HLC string so lexicographic sort matches
// HLC order.
func (c *Client) ListChangelogBatches(ctx context.Context, deviceID string) ([]string, error) {
	prefix := c.key("changelog", deviceID) + "/"
	var batches []string
	err := c.paginateObjects(ctx, prefix, "", func(objKey string) {
		file := objKey[strings.LastIndex(objKey, "/")+1:]
		batches = append(batches, strings.TrimSuffix(file, ".enc"))
	}, nil)
	if err != nil {
		return nil, err
	}
	sort.Strings(batches)
	return batches, nil
}

func (c *Client) DownloadChangelogBatch(ctx context.Context, deviceID, batchID string) ([]byte, error) {
	data, ok, err := c.get(ctx, c.key("changelog", deviceID, batchID+".enc"))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("objectstore: changelog batch not found: %s/%s", deviceID, batchID)
	}
	return data, nil
}

// --- Content-addressed files ---

// UploadFile HEADs the target key first; if present, it returns
// immediately (content-addressed dedup).
func (c *Client) UploadFile(ctx context.Context, contentHash string, data []byte) error {
	key := c.key("files", contentHash+".enc")
	exists, err := c.exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		c.log.WithField("hash", contentHash).Debug("file already exists, skipping upload")
		return nil
	}
	return c.put(ctx, key, data)
}

func (c *Client) DownloadFile(ctx context.Context, contentHash string) ([]byte, error) {
	data, ok, err := c.get(ctx, c.key("files", contentHash+".enc"))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("objectstore: file not found: %s", contentHash)
	}
	return data, nil
}

func (c *Client) FileExists(ctx context.Context, contentHash string) (bool, error) {
	return c.exists(ctx, c.key("files", contentHash+".enc"))
}

// --- Aggregate manifest object ---

func (c *Client) UploadManifest(ctx context.Context, data []byte) error {
	return c.put(ctx, c.key("manifest.enc"), data)
}

func (c *Client) DownloadManifest(ctx context.Context) ([]byte, bool, error) {
	return c.get(ctx, c.key("manifest.enc"))
}

// --- Device discovery ---

// ListDevices enumerates CommonPrefixes under changelog/.
func (c *Client) ListDevices(ctx context.Context) ([]string, error) {
	prefix := c.key("changelog") + "/"
	devices := map[string]bool{}
	err := c.paginateObjects(ctx, prefix, "/", nil, func(cp string) {
		id := strings.TrimSuffix(cp, "/")
		id = id[strings.LastIndex(id, "/")+1:]
		devices[id] = true
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(devices))
	for id := range devices {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// DeleteDeviceData deletes every changelog batch for deviceID, returning
// the count removed.
func (c *Client) DeleteDeviceData(ctx context.Context, deviceID string) (int, error) {
	prefix := c.key("changelog", deviceID) + "/"
	var keys []string
	err := c.paginateObjects(ctx, prefix, "", func(objKey string) {
		keys = append(keys, objKey)
	}, nil)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	objs := make([]types.ObjectIdentifier, len(keys))
	for i, k := range keys {
		objs[i] = types.ObjectIdentifier{Key: aws.String(k)}
	}
	_, err = c.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(c.bucket),
		Delete: &types.Delete{Objects: objs},
	})
	if err != nil {
		return 0, fmt.Errorf("objectstore: delete device data: %w", err)
	}
	c.log.WithField("device_id", deviceID).WithField("count", len(keys)).Info("deleted device data")
	return len(keys), nil
}

// --- internal helpers ---

func (c *Client) put(ctx context.Context, key string, data []byte) error {
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
	if isNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("objectstore: get %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err = io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("objectstore: read %s: %w", key, err)
	}
	return data, true, nil
}

func (c *Client) exists(ctx context.Context, key string) (bool, error) {
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("objectstore: head %s: %w", key, err)
	}
	return true, nil
}

// paginateObjects walks ListObjectsV2 pages for prefix/delimiter, invoking
// onKey for each Contents entry and onCommonPrefix for each CommonPrefixes
// entry.
func (c *Client) paginateObjects(ctx context.Context, prefix, delimiter string, onKey func(string), onCommonPrefix func(string)) error {
	var token *string
	for {
		in := &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		}
		if delimiter != "" {
			in.Delimiter = aws.String(delimiter)
		}
		out, err := c.api.ListObjectsV2(ctx, in)
		if err != nil {
			return fmt.Errorf("objectstore: list %s: %w", prefix, err)
		}
		if onKey != nil {
			for _, obj := range out.Contents {
				if obj.Key != nil {
					onKey(*obj.Key)
				}
			}
		}
		if onCommonPrefix != nil {
			for _, cp := range out.CommonPrefixes {
				if cp.Prefix != nil {
					onCommonPrefix(*cp.Prefix)
				}
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			return nil
		}
		token = out.NextContinuationToken
	}
}
