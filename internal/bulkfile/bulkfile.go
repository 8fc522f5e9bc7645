package bulkfile

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jszwec/csvutil"

	"harvest/internal/market"
)

// FileRef 标识一个批量数据文件：路径 + 从文件名解析出的 (pair, interval)。
type FileRef struct {
	Path        string `json:"path"`
	Ticker      string `json:"ticker"`
	IntervalMin int    `json:"interval_min"`
}

// ParseFilename 解析 {PAIR}_{INTERVAL}.ext 命名约定。
// INTERVAL 接受分钟数（"60"）或周期串（"1h"）；多余的下划线段（日期范围等）忽略。
func ParseFilename(path string) (FileRef, error) {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	parts := strings.Split(name, "_")
	if len(parts) < 2 {
		return FileRef{}, fmt.Errorf("文件名不符合 {PAIR}_{INTERVAL} 约定: %q", base)
	}
	ticker := strings.ToUpper(strings.TrimSpace(parts[0]))
	if ticker == "" {
		return FileRef{}, fmt.Errorf("文件名缺少 pair: %q", base)
	}
	raw := parts[1]
	intervalMin, err := strconv.Atoi(raw)
	if err != nil {
		intervalMin, err = market.ParseInterval(raw)
		if err != nil {
			return FileRef{}, fmt.Errorf("文件名 interval 非法 %q: %w", raw, err)
		}
	}
	if intervalMin <= 0 {
		return FileRef{}, fmt.Errorf("文件名 interval 非法: %q", raw)
	}
	return FileRef{Path: path, Ticker: ticker, IntervalMin: intervalMin}, nil
}

// SuggestFilename 为不可回填缺口生成建议下载文件名，编码 pair/interval/日期范围。
func SuggestFilename(ticker string, intervalMin int, start, end int64) string {
	const layout = "20060102"
	return fmt.Sprintf("%s_%s_%s_%s.csv",
		strings.ToUpper(ticker),
		market.FormatInterval(intervalMin),
		time.UnixMilli(start).UTC().Format(layout),
		time.UnixMilli(end).UTC().Format(layout))
}

// HashFile 返回文件内容的 sha256 十六进制摘要，作为去重依据。
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("打开文件失败: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("读取文件失败: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// row 是批量 CSV 的一行；表头按 csv tag 匹配。
type row struct {
	OpenTime  int64   `csv:"open_time"`
	CloseTime int64   `csv:"close_time,omitempty"`
	Open      float64 `csv:"open"`
	High      float64 `csv:"high"`
	Low       float64 `csv:"low"`
	Close     float64 `csv:"close"`
	Volume    float64 `csv:"volume"`
	Trades    int64   `csv:"trades,omitempty"`
}

// ReadCandles 从 CSV 流解码 K 线并按时间升序返回。
// close_time 缺省时按 open_time + interval - 1ms 补齐。
func ReadCandles(r io.Reader, intervalMin int) ([]market.Candle, error) {
	dec, err := csvutil.NewDecoder(csv.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("创建 CSV decoder 失败: %w", err)
	}
	var rows []row
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("解码 CSV 失败: %w", err)
	}
	step := market.IntervalMillis(intervalMin)
	out := make([]market.Candle, 0, len(rows))
	for _, rec := range rows {
		if rec.OpenTime <= 0 {
			continue
		}
		closeTime := rec.CloseTime
		if closeTime == 0 {
			closeTime = rec.OpenTime + step - 1
		}
		out = append(out, market.Candle{
			OpenTime:  rec.OpenTime,
			CloseTime: closeTime,
			Open:      rec.Open,
			High:      rec.High,
			Low:       rec.Low,
			Close:     rec.Close,
			Volume:    rec.Volume,
			Trades:    rec.Trades,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out, nil
}

// ReadCandlesFile 按路径读取批量文件。
func ReadCandlesFile(path string, intervalMin int) ([]market.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开文件失败: %w", err)
	}
	defer f.Close()
	return ReadCandles(f, intervalMin)
}

// ScanDir 扫描目录，按 (ticker, interval) 建立可用文件索引。
// 不符合命名约定的文件跳过。
func ScanDir(dir string) (map[string][]FileRef, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("扫描目录失败: %w", err)
	}
	out := make(map[string][]FileRef)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ref, err := ParseFilename(e.Name())
		if err != nil {
			continue
		}
		ref.Path = filepath.Join(dir, e.Name())
		k := IndexKey(ref.Ticker, ref.IntervalMin)
		out[k] = append(out[k], ref)
	}
	return out, nil
}

// IndexKey 生成 (ticker, interval) 的索引键。
func IndexKey(ticker string, intervalMin int) string {
	return strings.ToUpper(ticker) + "@" + strconv.Itoa(intervalMin)
}
