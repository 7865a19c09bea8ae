// Package xmosspi boots an XMOS xcore-200 device over SPI.
//
// The xcore boot ROM, strapped for SPI slave boot, accepts its whole boot
// image as one continuous SPI transaction: chip select must stay asserted from
// the first byte to the last. This package reads an image file into memory,
// configures the link and sends the image as a single transfer.
//
// # Image Format
//
// The image is sent byte for byte. The boot ROM expects each byte least
// significant bit first, and the Raspberry Pi spidev driver may not honour
// the LSB-first mode bit, so the image file must already be bit-reversed by
// the tool that produced it. The package sends the image contents
// untouched.
//
// # Hardware Connection
//
// Slave mode is selected by a 3k3 pull-up on X0D05. The SPI signals are:
//
//	xcore Pin   → Host Pin
//	X0D00 (SS)  → SPI Chip Select (CE0/CE1)
//	X0D10 (CLK) → SPI Clock (SCLK)
//	X0D11 (DI)  → SPI Data (MOSI)
//
// The device is ready for the image 1ms after RESET. When RST_N is wired to
// a GPIO, Reset pulses it and waits for the boot ROM. Clock rates from 100kHz
// to 5MHz are known to work.
//
// # Basic Usage
//
//	dev, err := spidev.Open("/dev/spidev0.0")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer dev.Close()
//
//	if err := xmosspi.Program(dev, "img-lsb.bin", 1000000); err != nil {
//		log.Fatal(err)
//	}
//
// Any periph.io port opened with spireg can be used instead of a spidev
// node through the periphlink package.
//
// # Transfer Size
//
// The whole image goes out in one ioctl, so it must fit in the kernel's
// staging buffer. spidev defaults to 4096 bytes; load the module with a
// larger bufsiz (for example spidev.bufsiz=65536 on the kernel command line)
// for real images. An oversized image fails with a TransferError.
//
// # Errors
//
// Every failure is returned as one of ImageOpenError, OutOfMemoryError,
// ImageReadError, LinkConfigError or TransferError. LinkConfigError names the
// configuration Stage that failed. Nothing is retried.
package xmosspi
