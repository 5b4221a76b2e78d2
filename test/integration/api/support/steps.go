package support

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/medvision/internal/models"
	"github.com/MeKo-Tech/medvision/internal/onnx/mock"
	"github.com/MeKo-Tech/medvision/internal/server"
	"github.com/cucumber/godog"
)

// theAnalysisServiceIsRunning starts the API with the current settings.
func (c *APIContext) theAnalysisServiceIsRunning() error {
	return c.Start()
}

func (c *APIContext) theAnalysisServiceIsRunningWithRateLimit(rpm int) error {
	c.Config.RateLimit = server.RateLimitConfig{Enabled: true, RequestsPerMinute: rpm, Burst: rpm}
	return c.Start()
}

func (c *APIContext) theAnalysisServiceIsRunningWithOverlaysEmbedded() error {
	c.Config.EmbedOverlay = true
	return c.Start()
}

func (c *APIContext) theClassifierPredicts(label string) error {
	idx := slices.Index(models.DefaultClasses, label)
	if idx < 0 {
		return fmt.Errorf("unknown class %q", label)
	}
	c.ClsModel.Output = mock.NewClassLogits(len(models.DefaultClasses), idx, 3, -1)
	return nil
}

func (c *APIContext) theSegmentationModelFails() error {
	c.SegModel.Err = errors.New("onnxruntime: CUDA out of memory")
	return nil
}

func (c *APIContext) theSegmentationModelFindsNoTumor() error {
	c.SegModel.Output = mock.NewUniformMap(256, 256, 0.01).NHWC()
	return nil
}

func (c *APIContext) iSendARequestTo(method, path string) error {
	req, err := http.NewRequest(method, c.URL(path), nil)
	if err != nil {
		return err
	}
	return c.Do(req)
}

func (c *APIContext) upload(path string, data []byte, fields map[string]string, headers map[string]string) error {
	body, contentType, err := server.MultipartBody("image", "scan.png", data, fields)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.URL(path), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.Do(req)
}

func (c *APIContext) iUploadAScanTo(path string) error {
	data, err := ScanPNG()
	if err != nil {
		return err
	}
	return c.upload(path, data, nil, nil)
}

func (c *APIContext) iUploadAScanToFromClient(path, ip string) error {
	data, err := ScanPNG()
	if err != nil {
		return err
	}
	return c.upload(path, data, nil, map[string]string{"X-Forwarded-For": ip})
}

func (c *APIContext) iUploadAFileThatIsNotAnImageTo(path string) error {
	return c.upload(path, []byte("%PDF-1.7 this is not a scan"), nil, nil)
}

func (c *APIContext) iPostAFormWithoutAnImageTo(path string) error {
	var body bytes.Buffer
	body.WriteString("--b\r\nContent-Disposition: form-data; name=\"note\"\r\n\r\nhello\r\n--b--\r\n")
	req, err := http.NewRequest(http.MethodPost, c.URL(path), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "multipart/form-data; boundary=b")
	return c.Do(req)
}

func (c *APIContext) iCreateAReportWith(table *godog.Table) error {
	fields := map[string]string{}
	for _, row := range table.Rows {
		if len(row.Cells) != 2 {
			return errors.New("report table rows need a field and a value")
		}
		fields[row.Cells[0].Value] = row.Cells[1].Value
	}
	data, err := ScanPNG()
	if err != nil {
		return err
	}
	return c.upload("/reports", data, fields, nil)
}

func (c *APIContext) iCreateAReportForPatient(patientID string) error {
	data, err := ScanPNG()
	if err != nil {
		return err
	}
	return c.upload("/reports", data, map[string]string{
		"patient_id":     patientID,
		"patient_name":   "Grace Hopper",
		"patient_email":  "grace@example.org",
		"patient_age":    "52",
		"patient_gender": "female",
		"contact_number": "+1 555 0100",
	}, nil)
}

func (c *APIContext) iPatchWith(path string, doc *godog.DocString) error {
	req, err := http.NewRequest(http.MethodPatch, c.URL(path), strings.NewReader(doc.Content))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.Do(req)
}

func (c *APIContext) theResponseStatusShouldBe(code int) error {
	if c.LastStatusCode != code {
		return fmt.Errorf("expected status %d, got %d: %s", code, c.LastStatusCode, truncate(c.LastBody))
	}
	return nil
}

func (c *APIContext) theResponseContentTypeShouldBe(want string) error {
	got := c.LastHeaders.Get("Content-Type")
	if !strings.HasPrefix(got, want) {
		return fmt.Errorf("expected content type %q, got %q", want, got)
	}
	return nil
}

func (c *APIContext) theResponseHeaderShouldBeSet(name string) error {
	if c.LastHeaders.Get(name) == "" {
		return fmt.Errorf("header %s is not set", name)
	}
	return nil
}

func (c *APIContext) theResponseHeaderShouldBe(name, want string) error {
	want = c.Expand(want)
	if got := c.LastHeaders.Get(name); got != want {
		return fmt.Errorf("expected header %s to be %q, got %q", name, want, got)
	}
	return nil
}

func (c *APIContext) theResponseBodyShouldStartWith(prefix string) error {
	if !bytes.HasPrefix(c.LastBody, []byte(prefix)) {
		return fmt.Errorf("body does not start with %q: %s", prefix, truncate(c.LastBody))
	}
	return nil
}

func (c *APIContext) theResponseShouldBeAPNGImage() error {
	if !bytes.HasPrefix(c.LastBody, []byte("\x89PNG\r\n\x1a\n")) {
		return errors.New("response body is not a PNG image")
	}
	return c.theResponseContentTypeShouldBe("image/png")
}

func (c *APIContext) theJSONFieldShouldEqual(path, want string) error {
	v, err := c.Field(path)
	if err != nil {
		return err
	}
	want = c.Expand(want)
	if got := fmt.Sprint(v); got != want {
		return fmt.Errorf("expected %s to be %q, got %q", path, want, got)
	}
	return nil
}

func (c *APIContext) theJSONFieldShouldContain(path, want string) error {
	v, err := c.Field(path)
	if err != nil {
		return err
	}
	if got := fmt.Sprint(v); !strings.Contains(got, want) {
		return fmt.Errorf("expected %s to contain %q, got %q", path, want, got)
	}
	return nil
}

func (c *APIContext) theJSONFieldShouldExist(path string) error {
	_, err := c.Field(path)
	return err
}

func (c *APIContext) theJSONFieldShouldNotExist(path string) error {
	if _, err := c.Field(path); err == nil {
		return fmt.Errorf("expected %s to be absent", path)
	}
	return nil
}

func (c *APIContext) theJSONFieldShouldBeANumberBetween(path string, lo, hi float64) error {
	v, err := c.Field(path)
	if err != nil {
		return err
	}
	n, ok := v.(float64)
	if !ok {
		return fmt.Errorf("%s is not a number: %v", path, v)
	}
	if n < lo || n > hi {
		return fmt.Errorf("expected %s in [%v, %v], got %v", path, lo, hi, n)
	}
	return nil
}

func (c *APIContext) theProbabilitiesShouldSumToOne() error {
	v, err := c.Field("classification.probabilities")
	if err != nil {
		return err
	}
	probs, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("probabilities are not an object: %v", v)
	}
	for _, class := range models.DefaultClasses {
		if _, ok := probs[class]; !ok {
			return fmt.Errorf("probability for %s missing", class)
		}
	}
	var sum float64
	for _, p := range probs {
		f, _ := p.(float64)
		sum += f
	}
	if math.Abs(sum-1) > 1e-3 {
		return fmt.Errorf("probabilities sum to %v", sum)
	}
	return nil
}

func (c *APIContext) theJSONArrayShouldHaveItems(path string, n int) error {
	v, err := c.Field(path)
	if err != nil {
		return err
	}
	items, ok := v.([]any)
	if !ok {
		return fmt.Errorf("%s is not an array: %v", path, v)
	}
	if len(items) != n {
		return fmt.Errorf("expected %d items in %s, got %d", n, path, len(items))
	}
	return nil
}

func (c *APIContext) iRememberTheJSONFieldAs(path, name string) error {
	v, err := c.Field(path)
	if err != nil {
		return err
	}
	c.Vars[name] = fmt.Sprint(v)
	return nil
}

func (c *APIContext) theSegmentationModelShouldHaveBeenCalledTimes(n int) error {
	if got := c.SegModel.Calls(); got != n {
		return fmt.Errorf("expected %d segmentation calls, got %d", n, got)
	}
	return nil
}

// RegisterSteps binds the API step definitions.
func (c *APIContext) RegisterSteps(sc *godog.ScenarioContext) {
	// Service setup
	sc.Step(`^the analysis service is running$`, c.theAnalysisServiceIsRunning)
	sc.Step(`^the analysis service is running with a rate limit of (\d+) requests? per minute$`, c.theAnalysisServiceIsRunningWithRateLimit)
	sc.Step(`^the analysis service is running with overlays embedded$`, c.theAnalysisServiceIsRunningWithOverlaysEmbedded)
	sc.Step(`^the classifier predicts "([^"]*)"$`, c.theClassifierPredicts)
	sc.Step(`^the segmentation model fails$`, c.theSegmentationModelFails)
	sc.Step(`^the segmentation model finds no tumor$`, c.theSegmentationModelFindsNoTumor)

	// Requests
	sc.Step(`^I send a (GET|POST|PUT|PATCH|DELETE|OPTIONS) request to "([^"]*)"$`, c.iSendARequestTo)
	sc.Step(`^I upload a scan to "([^"]*)"$`, c.iUploadAScanTo)
	sc.Step(`^I upload a scan to "([^"]*)" from client "([^"]*)"$`, c.iUploadAScanToFromClient)
	sc.Step(`^I upload a file that is not an image to "([^"]*)"$`, c.iUploadAFileThatIsNotAnImageTo)
	sc.Step(`^I post a form without an image to "([^"]*)"$`, c.iPostAFormWithoutAnImageTo)
	sc.Step(`^I create a report with:$`, c.iCreateAReportWith)
	sc.Step(`^I create a report for patient "([^"]*)"$`, c.iCreateAReportForPatient)
	sc.Step(`^I PATCH "([^"]*)" with:$`, c.iPatchWith)
	sc.Step(`^I remember the JSON field "([^"]*)" as "([^"]*)"$`, c.iRememberTheJSONFieldAs)

	// Assertions
	sc.Step(`^the response status should be (\d+)$`, c.theResponseStatusShouldBe)
	sc.Step(`^the response content type should be "([^"]*)"$`, c.theResponseContentTypeShouldBe)
	sc.Step(`^the response header "([^"]*)" should be set$`, c.theResponseHeaderShouldBeSet)
	sc.Step(`^the response header "([^"]*)" should be "([^"]*)"$`, c.theResponseHeaderShouldBe)
	sc.Step(`^the response body should start with "([^"]*)"$`, c.theResponseBodyShouldStartWith)
	sc.Step(`^the response should be a PNG image$`, c.theResponseShouldBeAPNGImage)
	sc.Step(`^the JSON field "([^"]*)" should equal "([^"]*)"$`, c.theJSONFieldShouldEqual)
	sc.Step(`^the JSON field "([^"]*)" should contain "([^"]*)"$`, c.theJSONFieldShouldContain)
	sc.Step(`^the JSON field "([^"]*)" should exist$`, c.theJSONFieldShouldExist)
	sc.Step(`^the JSON field "([^"]*)" should not exist$`, c.theJSONFieldShouldNotExist)
	sc.Step(`^the JSON field "([^"]*)" should be a number between ([\d.]+) and ([\d.]+)$`, func(path, lo, hi string) error {
		l, err := strconv.ParseFloat(lo, 64)
		if err != nil {
			return err
		}
		h, err := strconv.ParseFloat(hi, 64)
		if err != nil {
			return err
		}
		return c.theJSONFieldShouldBeANumberBetween(path, l, h)
	})
	sc.Step(`^the JSON array "([^"]*)" should have (\d+) items?$`, c.theJSONArrayShouldHaveItems)
	sc.Step(`^the class probabilities should sum to 1$`, c.theProbabilitiesShouldSumToOne)
	sc.Step(`^the segmentation model should have been called (\d+) times?$`, c.theSegmentationModelShouldHaveBeenCalledTimes)
}
