package thing

import (
	"fmt"
	"hash/crc32"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/wrlabs/devicecloud/status"
	"github.com/wrlabs/devicecloud/tr50"
)

// cloudFileNotFound is the cloud's error code for a missing file on a
// file.get or file.put reply.
const cloudFileNotFound = -90008

const transferChunkSize = 512

// FileCallback is notified when a transfer reaches a terminal state.
type FileCallback func(c *Client, name string, s status.Status)

// FileTransfer tracks one download or upload from request to completion.
type FileTransfer struct {
	name     string
	path     string
	download bool
	global   bool

	fileID      string
	checksum    uint32
	hasChecksum bool

	callback FileCallback
	st       atomic.Int32 // -1 while pending
}

func newFileTransfer(name, path string, download, global bool, cb FileCallback) *FileTransfer {
	t := &FileTransfer{
		name:     name,
		path:     path,
		download: download,
		global:   global,
		callback: cb,
	}
	t.st.Store(-1)
	return t
}

// Name is the cloud-side file name of the transfer.
func (t *FileTransfer) Name() string {
	return t.name
}

// Status returns the terminal status and whether the transfer finished.
func (t *FileTransfer) Status() (status.Status, bool) {
	v := t.st.Load()
	if v < 0 {
		return status.Failure, false
	}
	return status.Status(v), true
}

// setStatus marks the transfer terminal without running the callback.
// It is used on the reply path where no transfer work ever started.
func (t *FileTransfer) setStatus(s status.Status) {
	t.st.Store(int32(s))
}

func (t *FileTransfer) finish(c *Client, s status.Status) {
	t.st.Store(int32(s))
	if t.callback != nil {
		t.callback(c, t.name, s)
	}
}

// FileOptions control a download.
type FileOptions struct {
	// Blocking waits for the transfer to finish, up to Timeout (0 =
	// unbounded).
	Blocking bool
	Timeout  time.Duration
	Callback FileCallback
	// Global addresses the account-wide file store instead of the
	// thing's own.
	Global bool
}

// UploadOptions control an upload. Name overrides the cloud-side file
// name, which defaults to the base name of the local path.
type UploadOptions struct {
	Name     string
	Blocking bool
	Timeout  time.Duration
	Callback FileCallback
	Global   bool
}

// FileDownload fetches fileName from the cloud file store into dest.
// When dest is an existing directory the file keeps its name inside it.
func (c *Client) FileDownload(fileName, dest string, opt FileOptions) (*FileTransfer, error) {
	if fileName == "" || dest == "" {
		return nil, status.Errorf(status.BadParameter, "file name and destination are required")
	}
	if fi, err := os.Stat(dest); err == nil && fi.IsDir() {
		dest = filepath.Join(dest, fileName)
	}

	t := newFileTransfer(fileName, dest, true, opt.Global, opt.Callback)
	err := c.send(&outMessage{
		cmd:      tr50.FileGet(c.cfg.ThingKey, fileName, opt.Global),
		desc:     fmt.Sprintf("Download %s", fileName),
		transfer: t,
	})
	if err != nil {
		return nil, err
	}
	if opt.Blocking {
		return t, c.waitTransfer(t, opt.Timeout)
	}
	return t, nil
}

// FileUpload sends the file at filePath to the cloud file store. The
// path must be absolute and exist; the checksum is computed before the
// upload is announced.
func (c *Client) FileUpload(filePath string, opt UploadOptions) (*FileTransfer, error) {
	if !filepath.IsAbs(filePath) {
		return nil, status.Errorf(status.NotFound, "Path must be absolute: %s", filePath)
	}
	if _, err := os.Stat(filePath); err != nil {
		return nil, status.Errorf(status.NotFound, "file %s not found", filePath)
	}
	name := opt.Name
	if name == "" {
		name = filepath.Base(filePath)
	}
	crc, err := fileCRC32(filePath)
	if err != nil {
		return nil, err
	}

	t := newFileTransfer(name, filePath, false, opt.Global, opt.Callback)
	t.checksum = crc
	t.hasChecksum = true
	err = c.send(&outMessage{
		cmd:      tr50.FilePut(c.cfg.ThingKey, name, crc, opt.Global),
		desc:     fmt.Sprintf("Upload %s as %s", filePath, name),
		transfer: t,
	})
	if err != nil {
		return nil, err
	}
	if opt.Blocking {
		return t, c.waitTransfer(t, opt.Timeout)
	}
	return t, nil
}

func (c *Client) waitTransfer(t *FileTransfer, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if s, done := t.Status(); done {
			if s == status.Success {
				return nil
			}
			return status.Errorf(s, "transfer %s failed", t.name)
		}
		if timeout != 0 && !time.Now().Before(deadline) {
			return status.Errorf(status.TimedOut, "transfer %s timed out", t.name)
		}
		time.Sleep(pollInterval)
	}
}

// fileGetReply resumes a download once the cloud hands out the file
// identifier and expected checksum.
func (c *Client) fileGetReply(sent *outMessage, r *tr50.Reply) {
	t := sent.transfer
	if t == nil {
		return
	}
	if !r.Success {
		if r.HasErrorCode(cloudFileNotFound) {
			t.setStatus(status.NotFound)
		} else {
			t.setStatus(status.Failure)
		}
		return
	}
	t.fileID = r.ParamString("fileId")
	if crc, ok := r.ParamNumber("crc32"); ok {
		t.checksum = uint32(crc)
		t.hasChecksum = true
	}
	c.workq.push(work{kind: workDownload, transfer: t})
}

// filePutReply resumes an upload once the cloud allocated the file
// identifier.
func (c *Client) filePutReply(sent *outMessage, r *tr50.Reply) {
	t := sent.transfer
	if t == nil {
		return
	}
	if !r.Success {
		if r.HasErrorCode(cloudFileNotFound) {
			t.setStatus(status.NotFound)
		} else {
			t.setStatus(status.Failure)
		}
		return
	}
	t.fileID = r.ParamString("fileId")
	c.workq.push(work{kind: workUpload, transfer: t})
}

// handleFileDownload streams the file into a temporary neighbour of the
// destination, verifying the checksum before the atomic rename.
func (c *Client) handleFileDownload(t *FileTransfer) error {
	s := c.downloadFile(t)
	t.finish(c, s)
	if s != status.Success {
		return status.Errorf(s, "download %s failed", t.name)
	}
	c.log.Infof("Downloaded %s to %s", t.name, t.path)
	return nil
}

func (c *Client) downloadFile(t *FileTransfer) status.Status {
	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.log.Errorf("Download %s: %v", t.name, err)
		return status.BadParameter
	}
	tmp := filepath.Join(dir, tempFileName())

	resp, err := c.http.Get(c.fileURL(t.fileID))
	if err != nil {
		c.log.Errorf("Download %s: %v", t.name, err)
		return status.Failure
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.log.Errorf("Download %s: unexpected response %s", t.name, resp.Status)
		return status.Failure
	}

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		c.log.Errorf("Download %s: %v", t.name, err)
		return status.FileOpenFailed
	}

	var crc uint32
	buf := make([]byte, transferChunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			crc = crc32.Update(crc, crc32.IEEETable, buf[:n])
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				os.Remove(tmp)
				c.log.Errorf("Download %s: %v", t.name, werr)
				return status.Failure
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			os.Remove(tmp)
			c.log.Errorf("Download %s: %v", t.name, rerr)
			return status.Failure
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return status.Failure
	}

	if t.hasChecksum && crc != t.checksum {
		os.Remove(tmp)
		c.log.Errorf("Download %s: checksum mismatch %08x != %08x",
			t.name, crc, t.checksum)
		return status.Failure
	}
	if err := os.Rename(tmp, t.path); err != nil {
		os.Remove(tmp)
		c.log.Errorf("Download %s: %v", t.name, err)
		return status.Failure
	}
	return status.Success
}

// handleFileUpload streams the local file to the cloud file store.
func (c *Client) handleFileUpload(t *FileTransfer) error {
	s := c.uploadFile(t)
	t.finish(c, s)
	if s != status.Success {
		return status.Errorf(s, "upload %s failed", t.name)
	}
	c.log.Infof("Uploaded %s as %s", t.path, t.name)
	return nil
}

func (c *Client) uploadFile(t *FileTransfer) status.Status {
	f, err := os.Open(t.path)
	if err != nil {
		c.log.Errorf("Upload %s: %v", t.name, err)
		return status.NotFound
	}
	defer f.Close()

	resp, err := c.http.Post(c.fileURL(t.fileID), "application/octet-stream", f)
	if err != nil {
		c.log.Errorf("Upload %s: %v", t.name, err)
		return status.Failure
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.log.Errorf("Upload %s: unexpected response %s", t.name, resp.Status)
		return status.Failure
	}
	return status.Success
}

func (c *Client) fileURL(fileID string) string {
	return fmt.Sprintf("https://%s/file/%s", c.cfg.Cloud.Host, fileID)
}

// newHTTPClient builds the file transfer client with the configured TLS
// and proxy policy. With validation on and no bundle configured the
// system trust store is used, unlike the broker session which requires
// the bundle.
func (c *Client) newHTTPClient() (*http.Client, error) {
	tp := &http.Transport{}
	if !c.cfg.ValidateCert() || c.cfg.CABundleFile != "" {
		tlsc, err := c.cfg.TLSClientConfig()
		if err != nil {
			return nil, err
		}
		tp.TLSClientConfig = tlsc
	}
	if c.cfg.HasProxy() {
		u, err := c.cfg.Proxy.URL()
		if err != nil {
			return nil, err
		}
		tp.Proxy = http.ProxyURL(u)
	}
	return &http.Client{Transport: tp}, nil
}

// fileCRC32 computes the CRC-32 of the file contents.
func fileCRC32(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, status.Errorf(status.FileOpenFailed, "%s: %v", path, err)
	}
	defer f.Close()
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, f); err != nil {
		return 0, status.Errorf(status.IOError, "%s: %v", path, err)
	}
	return h.Sum32(), nil
}

// tempFileName is the in-progress download name next to the destination.
func tempFileName() string {
	digits := make([]byte, 10)
	for i := range digits {
		digits[i] = byte('0' + rand.Intn(10))
	}
	return string(digits) + ".part"
}
