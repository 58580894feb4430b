package libstem

import (
	"context"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

type (
	// OpenConnectionParams are resolved every time a connection is dialed,
	// so credentials in headers can be rotated between reconnects.
	OpenConnectionParams struct {
		URL    url.URL
		Header http.Header
	}

	OpenConnectionParamsGetter func(ctx context.Context) (OpenConnectionParams, error)

	OpenConnectionParamsRepo struct {
		logger Logger
		getter OpenConnectionParamsGetter
	}
)

func (r OpenConnectionParamsRepo) Get(
	ctx context.Context,
) (params OpenConnectionParams, err error) {
	params, err = r.getter(ctx)
	if err != nil {
		r.logger.Errorf("cannot fetch open connection params: %s", err)
	}
	return
}

func NewOpenConnectionParamsRepo(
	logger Logger,
	getter OpenConnectionParamsGetter,
) OpenConnectionParamsRepo {
	return OpenConnectionParamsRepo{getter: getter, logger: logger}
}

// StaticOpenConnectionParams parses rawURL once and always returns it with
// the given headers.
func StaticOpenConnectionParams(rawURL string, headers map[string]string) (OpenConnectionParamsGetter, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid hub url %q", rawURL)
	}

	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}

	params := OpenConnectionParams{URL: *u, Header: h}

	return func(context.Context) (OpenConnectionParams, error) {
		return params, nil
	}, nil
}
