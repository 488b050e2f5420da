// Package compress 统一缓存正文的存储形态：磁盘/对象存储中的正文始终是 gzip，
// 源站的 Content-Encoding 作为元数据保留，读取时据此还原。
package compress

import (
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// EncodingGzip 是唯一被视为“已压缩”的源站编码。
const EncodingGzip = "gzip"

// IsGzip 判断 Content-Encoding 头是否为 gzip。
func IsGzip(contentEncoding string) bool {
	return strings.ToLower(strings.TrimSpace(contentEncoding)) == EncodingGzip
}

// Encode 将源站正文转换为存储形态：gzip 源站直接透传，其余编码在写入前压缩。
// 返回的 Reader 需由消费方读完或关闭；源站读取失败会作为 Read 错误传递。
func Encode(src io.Reader, originEncoding string) io.ReadCloser {
	if IsGzip(originEncoding) {
		if rc, ok := src.(io.ReadCloser); ok {
			return rc
		}
		return io.NopCloser(src)
	}

	pr, pw := io.Pipe()
	go func() {
		zw := gzip.NewWriter(pw)
		if _, err := io.Copy(zw, src); err != nil {
			_ = zw.Close()
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(zw.Close())
	}()
	return &encoder{PipeReader: pr, src: src}
}

// encoder 关闭时同时释放源站 Reader，避免压缩 goroutine 阻塞。
type encoder struct {
	*io.PipeReader
	src io.Reader
}

func (e *encoder) Close() error {
	err := e.PipeReader.Close()
	if closer, ok := e.src.(io.Closer); ok {
		_ = closer.Close()
	}
	return err
}

// DecodeStored 将存储形态还原为交付给调用方的字节：
// 源站为 gzip 时默认透传，decompress 为 true 时解压；其余情况一律解压。
func DecodeStored(stored io.Reader, originEncoding string, decompress bool) (io.Reader, error) {
	if IsGzip(originEncoding) && !decompress {
		return stored, nil
	}
	return gzip.NewReader(stored)
}

// DecodeOrigin 对实时响应应用同样的交付规则，保证实时与缓存路径字节一致。
func DecodeOrigin(body io.Reader, originEncoding string, decompress bool) (io.Reader, error) {
	if IsGzip(originEncoding) && decompress {
		return gzip.NewReader(body)
	}
	return body, nil
}
