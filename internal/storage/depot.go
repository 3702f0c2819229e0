package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/avolkov/filedepot/internal/common"
	"github.com/avolkov/filedepot/internal/server/models"
)

// DepotStore is the platform-managed local backend: a filesystem blob store
// with JSON metadata sidecars. Upload destinations and read URLs are links
// into the platform's own HTTP surface, signed with an HMAC JWT so the
// route layer can verify them without touching the database.
type DepotStore struct {
	root       string
	baseURL    string
	signingKey []byte

	now func() time.Time
}

type depotSidecar struct {
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewDepotStore constructs the local store rooted at dir. baseURL is the
// public address the signed upload/read links point at.
func NewDepotStore(dir, baseURL string, signingKey []byte) (*DepotStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("depot root directory is required: %w", common.ErrConfig)
	}
	for _, sub := range []string{"objects", "meta"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return nil, err
		}
	}
	return &DepotStore{
		root:       dir,
		baseURL:    strings.TrimRight(baseURL, "/"),
		signingKey: signingKey,
		now:        time.Now,
	}, nil
}

func (d *DepotStore) Backend() models.Backend {
	return models.BackendDepot
}

func (d *DepotStore) objectPath(key string) string {
	return filepath.Join(d.root, "objects", key)
}

func (d *DepotStore) metaPath(key string) string {
	return filepath.Join(d.root, "meta", key+".json")
}

// validKey rejects anything that could escape the objects directory. Keys
// the depot assigns are UUIDs, so this only matters for caller-supplied ids.
func validKey(key string) bool {
	return key != "" && !strings.ContainsAny(key, "/\\") && key != "." && key != ".."
}

func (d *DepotStore) signToken(claims jwt.MapClaims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(d.signingKey)
}

// UploadDestination mints a signed link into the depot's upload endpoint.
// The storage id is assigned later, when Put receives the bytes.
func (d *DepotStore) UploadDestination(ctx context.Context, key string, expires time.Duration) (string, error) {
	token, err := d.signToken(jwt.MapClaims{
		"scope": "upload",
		"exp":   jwt.NewNumericDate(d.now().Add(expires)),
	})
	if err != nil {
		return "", err
	}
	return d.baseURL + "/depot/upload?token=" + url.QueryEscape(token), nil
}

func (d *DepotStore) SignedReadURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	if !validKey(key) {
		return "", fmt.Errorf("invalid depot key %q: %w", key, common.ErrValidation)
	}
	token, err := d.signToken(jwt.MapClaims{
		"scope": "read",
		"key":   key,
		"exp":   jwt.NewNumericDate(d.now().Add(expires)),
	})
	if err != nil {
		return "", err
	}
	return d.baseURL + "/depot/objects/" + url.PathEscape(key) + "?token=" + url.QueryEscape(token), nil
}

// VerifyReadToken checks a token minted by SignedReadURL and returns the
// object key it grants access to. Used by the route layer serving the
// download endpoint.
func (d *DepotStore) VerifyReadToken(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return d.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("unexpected claims type")
	}
	if scope, _ := claims["scope"].(string); scope != "read" {
		return "", fmt.Errorf("token scope is not read")
	}
	key, _ := claims["key"].(string)
	if !validKey(key) {
		return "", fmt.Errorf("token carries no usable key")
	}
	return key, nil
}

// Put stores data and returns the assigned key. An empty key asks the depot
// to choose one; a caller-supplied key is honored for transfer repoints.
func (d *DepotStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if key == "" {
		key = uuid.New().String()
	} else if !validKey(key) {
		return "", fmt.Errorf("invalid depot key %q: %w", key, common.ErrValidation)
	}

	if err := os.WriteFile(d.objectPath(key), data, 0o640); err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	sc := depotSidecar{
		Size:        int64(len(data)),
		Hash:        hex.EncodeToString(sum[:]),
		ContentType: contentType,
		CreatedAt:   d.now().UTC(),
	}
	raw, err := json.Marshal(sc)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(d.metaPath(key), raw, 0o640); err != nil {
		return "", err
	}

	return key, nil
}

// Delete removes the object and its sidecar. Missing files are not an error,
// keeping the post-transfer cleanup safe to retry.
func (d *DepotStore) Delete(ctx context.Context, key string) error {
	if !validKey(key) {
		return nil
	}
	if err := os.Remove(d.objectPath(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(d.metaPath(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (d *DepotStore) Exists(ctx context.Context, key string) (bool, error) {
	if !validKey(key) {
		return false, nil
	}
	_, err := os.Stat(d.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *DepotStore) HeadMetadata(ctx context.Context, key string) (*models.Metadata, error) {
	if !validKey(key) {
		return nil, common.ErrNotFound
	}
	raw, err := os.ReadFile(d.metaPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	var sc depotSidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, err
	}
	return &models.Metadata{Size: sc.Size, Hash: sc.Hash, ContentType: sc.ContentType}, nil
}
