package server

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
)

// MultipartBody encodes an optional file part named field plus the given
// form values. It returns the body and its content type.
func MultipartBody(field, filename string, data []byte, values map[string]string) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := writer.WriteField(k, values[k]); err != nil {
			return nil, "", err
		}
	}

	if field != "" {
		part, err := writer.CreateFormFile(field, filename)
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(part, bytes.NewReader(data)); err != nil {
			return nil, "", err
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &body, writer.FormDataContentType(), nil
}

// CreateMultipartRequest builds a POST request uploading data as the image
// field.
func CreateMultipartRequest(target string, data []byte, values map[string]string) (*http.Request, error) {
	body, contentType, err := MultipartBody(uploadField, "scan.png", data, values)
	if err != nil {
		return nil, err
	}
	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set("Content-Type", contentType)
	return req, nil
}
