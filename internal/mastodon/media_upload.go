package mastodon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"tg_to_mastodon/internal/models"

	gomastodon "github.com/mattn/go-mastodon"
)

// errUploadFinished 请求结束后关闭管道，解除写入端阻塞
var errUploadFinished = errors.New("upload request finished")

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// postMedia 通过管道把源流写成 multipart 请求体，边下载边上传，不在内存或磁盘中缓存整个文件
func (p *Publisher) postMedia(ctx context.Context, content io.Reader, filename, contentType string) (*gomastodon.Attachment, error) {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	copyErr := make(chan error, 1)
	go func() {
		err := writeMediaForm(form, content, filename, contentType)
		_ = pw.CloseWithError(err)
		copyErr <- err
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.server+"/api/v2/media", pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		<-copyErr
		return nil, &models.FatalPublishError{Err: fmt.Errorf("build upload request: %w", err)}
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	p.authorize(req)

	resp, err := p.client.Do(req)
	_ = pr.CloseWithError(errUploadFinished)
	srcErr := <-copyErr

	// 读取源流时的 Telegram 错误优先
	if models.IsTransient(srcErr) || models.IsPermanent(srcErr) {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, srcErr
	}
	if err != nil {
		return nil, fmt.Errorf("upload media: %w", p.classifyStatus(ctx, 0, 0, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("upload media: %w", p.statusError(ctx, resp))
	}

	var attachment gomastodon.Attachment
	if err := json.NewDecoder(resp.Body).Decode(&attachment); err != nil {
		return nil, &models.TransientPublishError{Err: fmt.Errorf("decode media response: %w", err)}
	}
	if attachment.ID == "" {
		return nil, &models.TransientPublishError{Err: errors.New("media response has no id")}
	}
	return &attachment, nil
}

func writeMediaForm(form *multipart.Writer, content io.Reader, filename, contentType string) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(filename)))
	header.Set("Content-Type", contentType)

	part, err := form.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, content); err != nil {
		return err
	}
	return form.Close()
}

// waitProcessed 轮询 GET /api/v1/media/:id：206 仍在处理，200 处理完成
// ctx 结束仍未完成时返回可重试错误，下一轮重新上传
func (p *Publisher) waitProcessed(ctx context.Context, id gomastodon.ID) error {
	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return &models.TransientPublishError{
				Err: fmt.Errorf("media %s still processing after %d checks: %w", id, attempt-1, ctx.Err()),
			}
		case <-timer.C:
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return &models.TransientPublishError{Err: fmt.Errorf("rate limiter wait error: %w", err)}
		}

		ready, err := p.mediaReady(ctx, id)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		timer.Reset(p.pollInterval)
	}
}

func (p *Publisher) mediaReady(ctx context.Context, id gomastodon.ID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.server+"/api/v1/media/"+url.PathEscape(string(id)), nil)
	if err != nil {
		return false, &models.FatalPublishError{Err: fmt.Errorf("build media request: %w", err)}
	}
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("get media %s: %w", id, p.classifyStatus(ctx, 0, 0, err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return true, nil
	case http.StatusPartialContent:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return false, nil
	default:
		return false, fmt.Errorf("get media %s: %w", id, p.statusError(ctx, resp))
	}
}

func (p *Publisher) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.accessToken)
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
}

// statusError 非成功响应：带上响应体片段，按状态码分类
func (p *Publisher) statusError(ctx context.Context, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("bad request: %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	return p.classifyStatus(ctx, resp.StatusCode, retryAfterFromHeaders(resp.Header, p.nowFunc()), err)
}
