package refresh

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/transit-web/internal/cryptoutil"
	"github.com/keithlinneman/transit-web/internal/log"
	"github.com/keithlinneman/transit-web/internal/store"
	"github.com/keithlinneman/transit-web/internal/xerrors"
)

// DefaultMaxReleaseBytes bounds the compressed release download.
const DefaultMaxReleaseBytes = 256 << 20

var (
	ErrDigestMismatch = errors.New("release digest mismatch")
	ErrReleaseTooBig  = errors.New("release exceeds size limit")
)

// ObjectGetter is the subset of *s3.Client used to download releases.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ParameterGetter is the subset of *ssm.Client used to read release pointers.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Replacer swaps the contents of a collection.
type Replacer interface {
	ReplaceCollection(ctx context.Context, collection string, docs []store.Doc) error
}

type DatasetOptions struct {
	// Name is the job name, CoreJob or RoutePathsJob.
	Name string

	// Collections this job owns. Release documents for any other
	// collection fail the run.
	Collections []string

	// SSMParamRoot is joined with Name to form the pointer parameter.
	SSMParamRoot string

	// S3 location: s3://{S3Bucket}/{S3Prefix}/{Name}/{digest}.ndjson.gz
	S3Bucket string
	S3Prefix string

	Store   Replacer
	Logger  log.Logger
	Metrics Metrics

	// MaxReleaseBytes defaults to DefaultMaxReleaseBytes.
	MaxReleaseBytes int64

	// Clients default to ones built from AWSConfig, or from the default
	// AWS config chain when AWSConfig is nil.
	S3        ObjectGetter
	SSM       ParameterGetter
	AWSConfig *aws.Config
}

// DatasetJob loads one release kind into the store.
type DatasetJob struct {
	opts   DatasetOptions
	s3     ObjectGetter
	ssm    ParameterGetter
	logger log.Logger

	mu      sync.RWMutex
	release string
}

// NewDatasetJob validates opts and resolves AWS clients.
func NewDatasetJob(ctx context.Context, opts DatasetOptions) (*DatasetJob, error) {
	switch {
	case opts.Name == "":
		return nil, xerrors.New("refresh: Name is required")
	case len(opts.Collections) == 0:
		return nil, xerrors.Newf("refresh %s: Collections is required", opts.Name)
	case opts.SSMParamRoot == "":
		return nil, xerrors.Newf("refresh %s: SSMParamRoot is required", opts.Name)
	case opts.S3Bucket == "":
		return nil, xerrors.Newf("refresh %s: S3Bucket is required", opts.Name)
	case opts.Store == nil:
		return nil, xerrors.Newf("refresh %s: Store is required", opts.Name)
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxReleaseBytes <= 0 {
		opts.MaxReleaseBytes = DefaultMaxReleaseBytes
	}

	j := &DatasetJob{
		opts:   opts,
		s3:     opts.S3,
		ssm:    opts.SSM,
		logger: opts.Logger.With("job", opts.Name),
	}
	if j.s3 == nil || j.ssm == nil {
		var awsCfg aws.Config
		if opts.AWSConfig != nil {
			awsCfg = *opts.AWSConfig
		} else {
			var err error
			awsCfg, err = config.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, xerrors.Wrap(err, "load AWS config")
			}
		}
		if j.s3 == nil {
			j.s3 = s3.NewFromConfig(awsCfg)
		}
		if j.ssm == nil {
			j.ssm = ssm.NewFromConfig(awsCfg)
		}
	}
	return j, nil
}

func (j *DatasetJob) Name() string { return j.opts.Name }

// DatasetRelease returns the digest of the last applied release, or "".
func (j *DatasetJob) DatasetRelease() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.release
}

// Run applies the release the SSM pointer currently names.
func (j *DatasetJob) Run(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		if j.opts.Metrics != nil {
			j.opts.Metrics.ObserveRefresh(j.opts.Name, result, time.Since(start).Seconds())
		}
	}()

	digest, err := j.releaseDigest(ctx)
	if err != nil {
		return err
	}
	return j.apply(ctx, digest)
}

func (j *DatasetJob) paramName() string {
	return strings.TrimRight(j.opts.SSMParamRoot, "/") + "/" + j.opts.Name
}

// releaseDigest reads the current release digest from SSM.
func (j *DatasetJob) releaseDigest(ctx context.Context) (string, error) {
	name := j.paramName()
	out, err := j.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}
	digest := strings.ToLower(strings.TrimSpace(*out.Parameter.Value))
	if !cryptoutil.IsSHA256Hex(digest) {
		return "", xerrors.Newf("SSM parameter %s is not a sha256 digest", name)
	}
	return digest, nil
}

// objectKey returns the S3 key of a release.
func (j *DatasetJob) objectKey(digest string) string {
	return path.Join(strings.Trim(j.opts.S3Prefix, "/"), j.opts.Name, digest+".ndjson.gz")
}

// apply downloads, verifies and loads the release with the given digest.
// The store is not touched unless the whole release decodes cleanly.
func (j *DatasetJob) apply(ctx context.Context, digest string) error {
	raw, err := j.download(ctx, digest)
	if err != nil {
		return err
	}

	docs, err := decodeRelease(raw, j.opts.Collections)
	if err != nil {
		return xerrors.Wrapf(err, "decode release %s", short(digest))
	}

	for _, c := range j.opts.Collections {
		if err := j.opts.Store.ReplaceCollection(ctx, c, docs[c]); err != nil {
			return xerrors.Wrapf(err, "replace collection %s", c)
		}
		if j.opts.Metrics != nil {
			j.opts.Metrics.SetRefreshDocuments(c, len(docs[c]))
		}
		j.logger.Info(ctx, "collection replaced",
			"collection", c,
			"documents", len(docs[c]),
		)
	}

	j.mu.Lock()
	j.release = digest
	j.mu.Unlock()

	j.logger.Info(ctx, "dataset release applied", "release", short(digest))
	return nil
}

func (j *DatasetJob) download(ctx context.Context, digest string) ([]byte, error) {
	key := j.objectKey(digest)
	j.logger.Info(ctx, "downloading dataset release",
		"bucket", j.opts.S3Bucket,
		"key", key,
	)

	out, err := j.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(j.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", j.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	n, actual, err := cryptoutil.CopyWithSHA256(&buf, io.LimitReader(out.Body, j.opts.MaxReleaseBytes+1))
	if err != nil {
		return nil, xerrors.Wrap(err, "download release")
	}
	if n > j.opts.MaxReleaseBytes {
		return nil, xerrors.Wrapf(ErrReleaseTooBig, "s3://%s/%s", j.opts.S3Bucket, key)
	}
	if !cryptoutil.HashEqual(actual, digest) {
		return nil, xerrors.Wrapf(ErrDigestMismatch, "expected %s, got %s", digest, actual)
	}
	return buf.Bytes(), nil
}

type docHeader struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// decodeRelease splits a gzipped NDJSON release into documents per owned
// collection. Every owned collection has an entry, possibly empty.
func decodeRelease(raw []byte, owned []string) (map[string][]store.Doc, error) {
	out := make(map[string][]store.Doc, len(owned))
	seen := make(map[string]map[string]struct{}, len(owned))
	for _, c := range owned {
		out[c] = []store.Doc{}
		seen[c] = make(map[string]struct{})
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, xerrors.Wrap(err, "open gzip")
	}
	defer zr.Close()

	dec := json.NewDecoder(zr)
	for line := 1; ; line++ {
		var body json.RawMessage
		if err := dec.Decode(&body); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, xerrors.Wrapf(err, "document %d", line)
		}
		var h docHeader
		if err := json.Unmarshal(body, &h); err != nil {
			return nil, xerrors.Wrapf(err, "document %d", line)
		}
		ids, ok := seen[h.Collection]
		if !ok {
			return nil, xerrors.Newf("document %d: collection %q not owned by this job", line, h.Collection)
		}
		if h.ID == "" {
			return nil, xerrors.Newf("document %d: missing id", line)
		}
		if _, dup := ids[h.ID]; dup {
			return nil, xerrors.Newf("document %d: duplicate id %s/%s", line, h.Collection, h.ID)
		}
		ids[h.ID] = struct{}{}
		out[h.Collection] = append(out[h.Collection], store.Doc{ID: h.ID, Body: body})
	}
	return out, nil
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
